// Package audit maintains the append-only record of permission-relevant
// mutations.
//
// Every successful mutation to a role, membership, override, or
// organization settings writes exactly one Entry carrying the acting
// principal and the serialized before/after state. The write rides on the
// mutation's own transaction via Writer.Write, so a reader can never
// observe a mutation without its audit trail: if the audit insert fails,
// the whole transaction rolls back.
//
// Reading the log requires the manage action on the synthetic resource
// "*"; Handlers enforces this through an injected GateFunc bound to the
// resolver at composition time.
//
// Entries are immutable. The only deletion path is the retention Cleaner,
// which optionally archives expired entries to S3 before removing them.
package audit
