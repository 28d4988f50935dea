// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the ebMS3 header model, its SOAP envelope codec and
the processing error taxonomy used by the engine.

# Header model

Messaging carries exactly one UserMessage or SignalMessage. Signals are
receipts, error lists or pull requests:

	um, err := message.NewUserMessage(
	    message.WithFrom("sender", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithTo("receiver", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithService("http://example.com/service", ""),
	    message.WithAction("processDocument"),
	).AddPart("payload-1@example.com").Build()

# Envelopes

BuildEnvelope renders a Messaging header into a SOAP 1.1 or 1.2 envelope
and ParseEnvelope reads it back. Lookups use local names so any prefix
binding is accepted.

# Errors

ProcessingError classifies a failure by Kind and maps it to an ebMS error
code. Only communication failures are retryable.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package message
