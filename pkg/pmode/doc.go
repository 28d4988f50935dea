// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration for AS4.

A P-Mode is the agreement that governs how two parties exchange a class of
messages: exchange pattern, endpoints, business service, security and
reliability settings.

# P-Mode Structure

	type PMode struct {
	    ID                 string
	    Initiator          *Party
	    Responder          *Party
	    Agreement          string
	    MEP                MEP                 // one-way or two-way
	    MEPBinding         MEPBinding          // push, pull, pushAndPush, ...
	    Leg1               *Leg                // mandatory
	    Leg2               *Leg                // two-way only
	    PayloadService     *PayloadService     // compression
	    ReceptionAwareness *ReceptionAwareness // retry and duplicate detection
	}

# Creating P-Modes

New validates the result, so an inconsistent P-Mode never exists:

	p, err := pmode.New("orders",
	    pmode.WithMEP(pmode.MEPOneWay, pmode.BindingPush),
	    pmode.WithLeg1(&pmode.Leg{
	        BusinessInfo: &pmode.BusinessInfo{Service: "OrderService", Action: "submitOrder"},
	    }),
	    pmode.WithReceptionAwareness(pmode.ReceptionAwareness{
	        Enabled: true, Retry: true, MaxRetries: 3, RetryInterval: time.Minute,
	    }))

# Store and Resolver

A Store holds configured P-Modes. MemoryStore is the in-process table; it
becomes durable when given a Journal. The Resolver finds the P-Mode for a
message by ID, then by service and action, then by asking a
DefaultSupplier (usually the selected AS4 profile) for a template.

	resolver := pmode.NewResolver(store, profiles, logger)
	p, err := resolver.FindPMode(ctx, pmode.Query{Service: svc, Action: act})

# Persisted Layout

ToElement and FromElement map a P-Mode to an element tree with one nested
element per sub-structure (Leg1, BusinessInformation, Security, ...).

# References

  - OASIS AS4 P-Mode: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package pmode
