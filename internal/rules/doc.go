// Package rules is the rule registry: derivation rules (Sum, Count, Formula)
// and Constraint predicates declared once at startup, plus the attribute
// dependency graph they imply.
//
// Rules are a closed set of variants. Each variant carries its dependency
// edges explicitly, so the registry builds the graph once and the engine's
// scheduler reuses it for every transaction.
package rules
