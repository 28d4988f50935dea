// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the Message Service Handler for AS4.

The MSH binds the PMode, security, reliability and processor layers
together. It has two halves.

# Inbound

Handler receives messages, either through ServeHTTP or directly through
Handle:

	h, err := msh.NewHandler(msh.Config{
		PModes:     resolver,
		Security:   msh.NewSecurityProcessor(engine, nil, logger),
		Duplicates: duplicates,
		Scheduler:  scheduler,
		MPCs:       mpcs,
		Processors: registry,
	})

A user message is parsed, matched to its PMode, decrypted, verified and
decompressed, checked against the duplicate store and handed to the
processors. The answer is a receipt, or an error signal carrying the
EBMS code of the first failure. Receipts and error signals arriving for
outbound messages acknowledge or reject them in the scheduler.

# Outbound

Sender packages a message under its PMode and pushes it with reception
awareness:

	sub, err := sender.Send(ctx, &msh.OutboundMessage{
		Service:     "urn:example:service",
		Action:      "Submit",
		Attachments: attachment.List{attachment.New("invoice@example.com", "application/xml", data)},
	})
	outcome, err := sub.Result.Wait(ctx)

Payloads are compressed, then signed, then encrypted. The receiving side
reverses the order.

# Endpoints

When a PMode leg has no address, Sender asks an EndpointResolver.
StaticEndpointResolver serves fixed party to address mappings.
*/
package msh
