package engine

// DefaultMaxRounds is the default maximum number of derivation rounds per
// transaction.
const DefaultMaxRounds = 64

// QuotaEnforcer counts derivation rounds in one transaction and enforces
// a maximum.
//
// CRITICAL DISTINCTION from cycle detection:
//   - Cycle detection: a rule reading its own output (A -> B -> A) inside
//     one round's closure, caught by the scheduler before anything runs
//   - Round quota: derivation that keeps proposing changes round after round
//
// Together they guarantee termination.
type QuotaEnforcer struct {
	maxRounds int
	current   int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
func NewQuotaEnforcer(maxRounds int) *QuotaEnforcer {
	return &QuotaEnforcer{maxRounds: maxRounds}
}

// Check increments the round counter and validates against the limit.
// Returns a QUOTA_EXCEEDED error once the limit is passed.
func (q *QuotaEnforcer) Check() error {
	q.current++
	if q.current > q.maxRounds {
		return NewQuotaError(q.current, q.maxRounds)
	}
	return nil
}

// Current returns the number of rounds started so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxRounds returns the limit.
func (q *QuotaEnforcer) MaxRounds() int {
	return q.maxRounds
}
