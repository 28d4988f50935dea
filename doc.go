// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package as4engine is the processing core of an AS4/ebMS3 message service
handler: it decides which processing mode (PMode) governs a message, derives
the signing, encryption and compression parameters the PMode asks for,
tracks per-message state, suppresses duplicate deliveries and drives
reception awareness retries for outbound pushes.

# Package Structure

	github.com/sirosfoundation/as4-engine/pkg/pmode       - PMode model, builder, XML layout, store, resolver
	github.com/sirosfoundation/as4-engine/pkg/profile     - Profile registry and PMode templates (eu-as4v2, cef)
	github.com/sirosfoundation/as4-engine/pkg/sdk         - Swedish SDK profile
	github.com/sirosfoundation/as4-engine/pkg/mpc         - Message partition channel manager
	github.com/sirosfoundation/as4-engine/pkg/reliability - Duplicate detection, eviction and retry scheduler
	github.com/sirosfoundation/as4-engine/pkg/security    - Security parameter resolution and XML security engine
	github.com/sirosfoundation/as4-engine/pkg/attachment  - Attachments and scoped temporary files
	github.com/sirosfoundation/as4-engine/pkg/compression - GZIP payload compression
	github.com/sirosfoundation/as4-engine/pkg/discovery   - BDXL and SMP endpoint discovery
	github.com/sirosfoundation/as4-engine/pkg/message     - ebMS headers, envelopes and error catalogue
	github.com/sirosfoundation/as4-engine/pkg/mime        - SOAP with attachments packaging
	github.com/sirosfoundation/as4-engine/pkg/msgstate    - Per-message processing state
	github.com/sirosfoundation/as4-engine/pkg/msh         - Inbound handler and outbound sender
	github.com/sirosfoundation/as4-engine/pkg/spi         - Message processor registry
	github.com/sirosfoundation/as4-engine/pkg/transport   - HTTPS client and server
	github.com/sirosfoundation/as4-engine/pkg/worker      - Bounded worker pool and periodic jobs

The internal packages wire these together: internal/config loads YAML,
internal/keystore resolves key aliases, internal/storage persists PModes,
channels and duplicate detection entries to a write-ahead log or MongoDB,
internal/server serves health, metrics and the admin API, and
internal/engine assembles and runs the whole handler for cmd/as4engine.

# Quick Start

Sending a message through an in-process handler:

	store := pmode.NewMemoryStore(pmode.WithRecords(p))
	resolver := pmode.NewResolver(store, nil, nil)

	scheduler, _ := reliability.NewScheduler(nil)
	defer scheduler.Close()

	sender, _ := msh.NewSender(msh.SenderConfig{
	    PModes:      resolver,
	    Scheduler:   scheduler,
	    Transmitter: transport.NewHTTPSClient(transport.DefaultHTTPSConfig()),
	})
	sub, err := sender.Send(ctx, &msh.OutboundMessage{
	    Service:     "urn:example:service",
	    Action:      "Submit",
	    Attachments: attachment.List{attachment.New("invoice@example.com", "application/xml", data)},
	})
	outcome, err := sub.Result.Wait(ctx)

# Processing Order

Outbound messages are compressed, then signed, then encrypted. Inbound
messages are decrypted, then verified, then decompressed.

# References

  - eDelivery AS4 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/845480153/eDelivery+AS4+-+2.0
  - OASIS AS4 Profile of ebMS 3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/

# License

BSD-2-Clause License
*/
package as4engine
