// Package harness runs YAML scenarios against the engine.
//
// Each scenario executes in a fresh in-memory SQLite database with
// sequential transaction ids, so the same scenario always produces the same
// trace. Traces can be compared against golden files.
//
// # Scenario Format
//
//	name: credit_limit
//	description: "Second item pushes the customer over the limit"
//	config: deploy.cue          # optional, relative to the scenario file
//	setup:
//	  - mutations:
//	      - { entity: Customer, op: insert, id: c1,
//	          values: { name: Ann, credit_limit: "1500" } }
//	flow:
//	  - name: add item
//	    mutations:
//	      - { entity: Item, op: insert, id: i2, values: { ... } }
//	    expect:
//	      error: CONSTRAINT_VIOLATION
//	      violations: [customer_credit_limit]
//	assertions:
//	  - type: row_equals
//	    entity: Customer
//	    id: c1
//	    expect: { balance: "1000.00" }
//	  - type: row_absent
//	    entity: Item
//	    id: i2
//
// Every setup step is one transaction and must commit. Every flow step is
// one transaction whose outcome is checked against its expect clause; a
// step without one must commit. Decimal values are written as quoted
// strings and compared numerically.
//
// # Assertion Types
//
//   - row_equals: the row exists and the listed attributes match
//   - row_absent: the row does not exist
//   - row_count: an entity holds exactly count rows
//   - change_logged: some setup or flow step committed a matching change
//   - audit_clean: recomputing every derived attribute finds no drift,
//     orphans, missing attributes or constraint violations
package harness
