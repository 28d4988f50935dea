// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package profile keeps the AS4 protocol profiles an engine can run and the
PMode templates they generate.

A Registry is created once at startup, filled by explicit Register calls
and handed to the PMode resolver as its default supplier:

	reg := profile.NewRegistry(logger)
	if err := profile.RegisterBuiltins(reg); err != nil { ... }
	if err := sdk.Register(reg); err != nil { ... }
	if err := reg.Select("eu-as4v2"); err != nil { ... }

	resolver := pmode.NewResolver(store, reg, logger)

Built-in profiles:

  - eu-as4v2: eDelivery AS4 2.0, Ed25519 signatures and X25519 key agreement
  - cef: eDelivery AS4 1.15, RSA-SHA256 signatures
*/
package profile
