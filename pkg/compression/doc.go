// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression for AS4.

Attachments declare their compression through a Mode. A compressed
attachment is carried in a container whose MIME type (application/gzip)
replaces the payload type on the wire, so compression has to happen
before the attachment is signed or encrypted.

	compressor := compression.NewCompressor()
	err := compressor.CompressTo(tmpFile, payload)

Streaming variants (CompressTo, DecompressTo) are used for attachments
buffered in temporary files. Compress and Decompress work on byte slices.

# References

  - OASIS AS4 Compression: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
