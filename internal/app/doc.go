// Package app holds the use cases of the vote tally service: organization
// and poll registry, vote registration over the audit chain, the closing
// sweep and audit reconciliation.
//
// It depends on domain interfaces only. All invariants that span concurrent
// requests (one vote per voter, gap-free audit sequence, lossless counters)
// are enforced by the storage backend; nothing here takes a lock.
package app
