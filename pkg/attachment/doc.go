// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package attachment holds AS4 payload parts and the scoped temporary storage
used while they are compressed, encrypted or decrypted.

An Attachment records the MIME type of the original payload and the
compression mode of the bytes it currently holds. EffectiveMimeType is what
the security layer and the wire see:

	att := attachment.New("part-1@example.com", "application/xml", data)
	scope := attachment.NewScope(os.TempDir())
	defer scope.Close()

	gz, err := scope.Compress(att, compression.NewCompressor())
	// gz.EffectiveMimeType() == "application/gzip"

Every file created through a Scope is removed by Scope.Close, so a deferred
Close releases disk space on every return path.
*/
package attachment
