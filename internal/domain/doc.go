// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (errors.go, organization.go, poll.go, tally.go, store.go, etc.)
// with shared types and cross-cutting interfaces. Apart from small value helpers there is no
// implementation code here - just contracts. Storage adapters and the app layer both depend on it,
// which keeps the import graph acyclic.
package domain
