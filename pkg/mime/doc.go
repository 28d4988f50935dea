// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime packs an ebMS envelope and its attachments into a SOAP with
Attachments multipart/related body, and splits received bodies back apart.

# MIME Structure

	Content-Type: multipart/related;
	    type="application/soap+xml";
	    start="<soap-envelope>";
	    boundary="----=_Part_..."

	------=_Part_...
	Content-Type: application/soap+xml
	Content-ID: <soap-envelope>

	[SOAP Envelope with encrypted content]

	------=_Part_...
	Content-Type: application/octet-stream
	Content-ID: <payload-1>
	Content-Transfer-Encoding: binary

	[Binary payload data]

# Creating Multipart Messages

Package a serialized SOAP envelope with attachments:

	msg := mime.NewMessage(envelopeXML, message.NsSOAP12, atts)
	contentType, err := msg.Serialize(w)

Compressed attachments are written with their effective type,
application/gzip. A message without attachments is sent as a bare
envelope.

# Parsing Multipart Messages

Parse received multipart messages:

	msg, err := mime.Parse(body, contentType)
	doc, header, err := message.ParseEnvelopeBytes(msg.Envelope)

Attachment metadata from the PartInfo of the header is applied by the
caller.

Part Content-IDs are stored without angle brackets, and PartInfo hrefs
use the cid: form.

# References

  - SOAP with Attachments: https://www.w3.org/TR/SOAP-attachments
  - MIME Multipart: https://datatracker.ietf.org/doc/html/rfc2046
*/
package mime
