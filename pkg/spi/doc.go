// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package spi is the plugin boundary between the messaging engine and the
business logic that consumes received messages.

# Processors

A Processor receives every inbound user message that passed security,
duplicate and PMode checks, and every inbound signal message:

	type archive struct{ dir string }

	func (a *archive) ProcessUserMessage(ctx context.Context, req *spi.UserMessageRequest) (spi.Result, error) {
	    for _, id := range req.Attachments.IDs() {
	        rc, err := req.Attachments.Resolve(id)
	        ...
	    }
	    return spi.Success(), nil
	}

An error or a failed Result is reported to the sender as an EBMS:0004
application error; it never becomes a transport failure.

# Registration

Plugins are registered explicitly during process initialization. Each plugin
package exports a Register function:

	func Register(r *spi.Registry) error {
	    return r.Register("archive", func() (spi.Processor, error) {
	        return &archive{dir: "/var/lib/as4/in"}, nil
	    })
	}

and the binary calls it before Discover:

	reg := spi.NewRegistry(logger)
	if err := archive.Register(reg); err != nil {
	    return err
	}
	if err := reg.Discover(); err != nil {
	    return err
	}

Discover instantiates every registered factory and publishes an immutable
snapshot; Rediscover does the same on demand. All returns that snapshot.
*/
package spi
