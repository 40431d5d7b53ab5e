// Package compiler turns a CUE deployment file into a validated Config.
//
// A deployment file selects the per-installation variants of the fixed
// order-management rule set: where rows are stored, the derivation round
// limit, which orders count toward a customer's balance, and delete policy
// overrides per relationship.
//
//	database: "rowsync.db"
//	log_level: "info"
//	engine: {
//		max_rounds:     64
//		balance_filter: "unpaid"
//	}
//	relationships: {
//		"Customer.orders": on_delete: "cascade"
//	}
//
// Compilation has two stages. Compile unifies the file with the embedded
// #Config schema (types, enums, defaults, closedness) and reports CUE errors
// with source positions as *CompileError. Validate then checks the result
// against the entity schema and returns every problem as a coded
// ValidationError (E2xx).
package compiler
