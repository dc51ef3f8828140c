// Package weaver defines the core interfaces, types, and helpers used across the
// weaver virtual-world kernel. It provides the shared value domain (Var), object
// identities and metadata (ObjID, Property, Verb), kernel error codes, and the
// ambient utilities (UUID, retry/backoff, bounded task runner, logging setup)
// that the subsystem packages build upon. Concrete subsystems live in
// subpackages: store (versioned object store), transaction (snapshot
// transactions and two-phase commit), vm (the verb executor), scheduler (task
// lifecycle), checkpoint (durability), cache, and restapi (admin surface).
package weaver

// Timeout model
//
// Kernel operations (notably transaction commits and task attempts) are bounded
// by two timers:
//  1. The caller-provided context deadline/cancellation which propagates across
//     subsystems.
//  2. An operation-specific maximum duration (e.g., a task's seconds budget)
//     used for internal safety limits.
//
// The effective limit is the earlier of the two. Quota checks happen at
// cooperative checkpoints inside the VM dispatch loop, so a runaway verb is
// always caught within one check interval.
