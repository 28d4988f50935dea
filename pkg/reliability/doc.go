// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides reception awareness for AS4 messaging.

This package implements the reception awareness features specified in the
OASIS AS4 Profile: bounded retry of unacknowledged pushes and duplicate
detection of inbound messages.

# Duplicate Detection

A DuplicateStore remembers accepted message IDs. RecordIfNew is a linearizable
test-and-insert: for any number of concurrent calls with the same ID exactly
one sees true.

	store := reliability.NewMemoryDuplicateStore(
	    reliability.WithDuplicateJournal(wal),
	)
	isNew, err := store.RecordIfNew(ctx, messageID)
	if !isNew {
	    // answer with the original receipt, do not process again
	}

Entries are evicted by age only. The eviction job is meant to run on the
worker pool schedule:

	pool.Schedule("duplicate-eviction", time.Minute,
	    reliability.NewEvictionJob(store, 10*time.Minute, nil, logger))

# Retry Scheduler

The Scheduler tracks each outbound push through

	PENDING -> ACKED
	PENDING -> RETRYING -> RETRYING ... -> ACKED | EXHAUSTED

A delivery whose PMode enables retry is re-sent every RetryInterval until a
receipt arrives, either in the synchronous response or through Acknowledge,
or MaxRetries re-sends went unanswered. States only move forward, and a
receipt for a finished delivery is ignored.

	fut, err := scheduler.Schedule(ctx, reliability.Delivery{
	    MessageID: id,
	    PModeID:   pm.ID,
	    Policy:    *pm.ReceptionAwareness,
	    Send:      send,
	})
	outcome, err := fut.Wait(ctx)

The scheduler implements pmode.ReferenceChecker so the PMode store can refuse
to delete a PMode that governs an in-flight delivery.

# References

  - OASIS AS4 Reception Awareness: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package reliability
