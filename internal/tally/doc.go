// Package tally holds the pure rules of vote counting: voter fingerprints, the increment
// set produced by one vote, and the rolling-digest audit chain.
//
// Nothing here touches storage. Backends apply the Delta and persist the AuditEntry values
// built by this package; the app layer verifies chains read back from them.
package tally
