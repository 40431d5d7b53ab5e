// Package engine implements the rowsync derivation-and-constraint engine.
//
// One call to Engine.Apply is one transaction. The engine collects the
// caller's mutations, expands deletes through the cascade policies, computes
// the closure of derivation rules that must be re-evaluated, runs them in
// topological order until no further attribute changes (fixed point),
// validates every constraint on the touched rows and finally hands the net
// change set to the persistence adapter. Any failure rolls the adapter
// transaction back and nothing is written.
//
// ARCHITECTURE:
//
// Change Collector (collector.go):
// Ordered change log plus an overlay of row state. Every read inside the
// transaction goes through the overlay, so derivation sees proposed values
// before they are persisted.
//
// Dependency Scheduler (scheduler.go):
// Breadth-first closure over (rule, row) tasks, Kahn topological ordering
// with ties broken by discovery order, Tarjan cycle extraction on failure.
//
// Derivation Executor (derive.go):
// Formulas recompute from the row. Sums and counts use adjustment
// arithmetic: the parent's cached aggregate moves by the difference between
// each touched child's new and previously accounted contribution. A full
// scan happens only when the cached aggregate is null.
//
// Constraint Validator (validate.go) and Cascade Executor (cascade.go).
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Changes are stamped with a per-transaction seq from Clock.Next().
// NEVER use wall-clock timestamps for ordering.
//
// Deterministic Scheduling:
// Rules evaluated in registration order, children in id order, touched rows
// in first-touch order. No randomness, no concurrency within a transaction.
package engine
