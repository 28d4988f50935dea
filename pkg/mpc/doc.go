// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mpc manages Message Partition Channels.

An MPC is a named logical queue used by pull exchanges. The Manager holds
the process-wide table of channels. It always contains the default MPC
defined by ebMS3, which is used whenever a message does not name one.

	mgr := mpc.NewManager()
	_, err := mgr.Create("urn:example:mpc:invoices")

	ch := mgr.GetOrDefault(userMessage.MPC)

Deletion is soft by default (MarkDeleted): a deleted channel keeps its
record but is no longer resolvable. Every returned MPC is a copy.
*/
package mpc
