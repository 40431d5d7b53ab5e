package harness

import (
	"github.com/roach88/rowsync/internal/ir"
)

// Step outcomes recorded in the trace.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
)

// TraceChange is one net change committed by a step.
type TraceChange struct {
	Seq    int64  `json:"seq"`
	Entity string `json:"entity"`
	Op     string `json:"op"`
	RowID  string `json:"row_id"`
	Origin string `json:"origin"`
	Rule   string `json:"rule,omitempty"`
	After  ir.Row `json:"after,omitempty"`
}

// TraceEvent is the outcome of one setup or flow step.
type TraceEvent struct {
	Phase   string        `json:"phase"` // "setup" or "flow"
	Step    int           `json:"step"`  // 1-based within the phase
	Name    string        `json:"name,omitempty"`
	Outcome string        `json:"outcome"`
	TxID    string        `json:"tx_id,omitempty"`
	Code    string        `json:"code,omitempty"`
	Rounds  int           `json:"rounds"`
	Reads   int           `json:"reads"`
	Changes []TraceChange `json:"changes,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, setup first.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

func traceChanges(changes []ir.Change) []TraceChange {
	out := make([]TraceChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, TraceChange{
			Seq:    c.Seq,
			Entity: c.Entity,
			Op:     string(c.Op),
			RowID:  c.RowID,
			Origin: string(c.Origin),
			Rule:   c.Rule,
			After:  c.After,
		})
	}
	return out
}
