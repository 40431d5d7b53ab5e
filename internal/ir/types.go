package ir

// Operation is the kind of row mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ValidOperations defines allowed mutation operations.
var ValidOperations = map[Operation]bool{
	OpInsert: true,
	OpUpdate: true,
	OpDelete: true,
}

// Origin records which part of the engine proposed a change.
type Origin string

const (
	// OriginCaller is a seed change submitted through the mutation API.
	OriginCaller Origin = "caller"
	// OriginDerive is a derived attribute write from a Sum/Count/Formula rule.
	OriginDerive Origin = "derive"
	// OriginCascade is a delete or nullify produced by a referential policy.
	OriginCascade Origin = "cascade"
)

// Record is a stored row with its identity and optimistic-lock version.
type Record struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Attrs   Row    `json:"attrs"`
	Version int64  `json:"version"` // 0 = not yet stored
}

// Change is one proposed row mutation with before/after snapshots.
//
// Before is nil for inserts; After is nil for deletes. Rule names the rule
// or relationship that produced a derived or cascaded change.
type Change struct {
	Seq         int64     `json:"seq"` // Logical clock within the transaction
	Entity      string    `json:"entity"`
	Op          Operation `json:"op"`
	RowID       string    `json:"row_id"`
	Before      Row       `json:"before,omitempty"`
	After       Row       `json:"after,omitempty"`
	Origin      Origin    `json:"origin"`
	Rule        string    `json:"rule,omitempty"`
	BaseVersion int64     `json:"base_version"` // Version the change was computed against
}

// Changed returns the attribute names whose value differs between Before
// and After. Inserts and deletes report every non-null attribute.
func (c Change) Changed() []string {
	return Diff(c.Before, c.After)
}

// RowState is the final state of one touched row after a commit.
type RowState struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Attrs   Row    `json:"attrs,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}
