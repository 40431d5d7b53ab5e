package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
	"github.com/roach88/rowsync/internal/schema"
)

// Mutation is one caller-submitted row change.
//
// ID may be empty for inserts (a UUIDv7 is assigned) or given through
// Values["id"]. Values holds the inserted attributes, or for updates only
// the attributes that change. Deletes ignore Values.
type Mutation struct {
	Entity string       `json:"entity"`
	Op     ir.Operation `json:"op"`
	ID     string       `json:"id,omitempty"`
	Values ir.Row       `json:"values,omitempty"`
}

// Result is the outcome of a committed transaction.
type Result struct {
	TxID    string        `json:"tx_id"`
	Rows    []ir.RowState `json:"rows"`    // Final state of every touched row
	Changes []ir.Change   `json:"changes"` // Net change set handed to the adapter
	Rounds  int           `json:"rounds"`  // Derivation rounds run, 0 when nothing changed
	Reads   int           `json:"reads"`   // Adapter reads (Read and ReadChildren calls)
}

// Engine applies mutations with derivation, cascades and validation inside
// one adapter transaction.
//
// Thread-safety: an Engine holds no mutable state shared between calls;
// Apply may be called from several goroutines. Overlapping transactions are
// serialized or rejected by the adapter.
type Engine struct {
	store     Store
	rules     *rules.Registry
	schema    *schema.Registry
	ids       IDGenerator
	maxRounds int
	logger    *slog.Logger
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithMaxRounds sets the maximum derivation rounds per transaction.
//
// Default: 64 (DefaultMaxRounds).
func WithMaxRounds(n int) EngineOption {
	return func(e *Engine) {
		e.maxRounds = n
	}
}

// WithIDGenerator sets the generator for transaction ids and for inserted
// rows without an id. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine over store with the frozen rule registry.
func New(store Store, reg *rules.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		rules:     reg,
		schema:    reg.Schema(),
		ids:       UUIDv7Generator{},
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the engine's rule registry.
func (e *Engine) Rules() *rules.Registry {
	return e.rules
}

// Apply runs muts as one transaction.
//
// Flow: propose every mutation (cascading deletes) -> schedule the affected
// closure -> derive -> repeat until no change is pending -> validate ->
// write the net change set -> commit. Any error rolls back the adapter
// transaction and nothing is written. Errors are *ir.Error values except
// for context cancellation and adapter failures, which are wrapped.
func (e *Engine) Apply(ctx context.Context, muts ...Mutation) (*Result, error) {
	if len(muts) == 0 {
		return nil, ir.NewInvalidMutation("", "", "no mutations")
	}

	txID := e.ids.Generate()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	res, err := e.run(ctx, tx, txID, muts)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Warn("rollback failed", "event", "rollback_error", "tx_id", txID, "error", rbErr)
		}
		e.logAbort(txID, err)
		return nil, err
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, tx Tx, txID string, muts []Mutation) (*Result, error) {
	c := newCollector(tx, e.schema)

	for _, m := range muts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transaction %s aborted: %w", txID, err)
		}
		if err := e.proposeMutation(ctx, c, m); err != nil {
			return nil, err
		}
	}

	quota := NewQuotaEnforcer(e.maxRounds)
	for {
		pending := c.Pending()
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transaction %s aborted: %w", txID, err)
		}
		if err := quota.Check(); err != nil {
			return nil, err
		}

		tasks, err := e.schedule(ctx, c, pending)
		if err != nil {
			return nil, err
		}
		for _, ch := range pending {
			c.MarkProcessed(ch)
		}
		proposed, err := e.execute(ctx, c, tasks)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("round complete",
			"event", "round",
			"tx_id", txID,
			"round", quota.Current(),
			"pending", len(pending),
			"tasks", len(tasks),
			"proposed", proposed)
	}

	if err := e.validate(c); err != nil {
		return nil, err
	}

	net := c.Net()
	if len(net) > 0 {
		if err := tx.WriteBatch(ctx, txID, net); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction %s: %w", txID, err)
	}

	e.logger.Info("transaction committed",
		"event", "commit",
		"tx_id", txID,
		"changes", len(net),
		"rounds", quota.Current(),
		"reads", c.reads)

	return &Result{
		TxID:    txID,
		Rows:    c.States(net),
		Changes: net,
		Rounds:  quota.Current(),
		Reads:   c.reads,
	}, nil
}

// logAbort logs a rejected transaction. Cycles indicate a rule
// configuration defect and are logged at error level for operators.
func (e *Engine) logAbort(txID string, err error) {
	code := ir.CodeOf(err)
	switch {
	case code == ir.ErrCodeCycleDetected:
		e.logger.Error("rule cycle detected", "event", "abort", "tx_id", txID, "code", string(code), "error", err)
	case code == "" && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		e.logger.Error("transaction failed", "event", "abort", "tx_id", txID, "error", err)
	default:
		e.logger.Info("transaction rejected", "event", "abort", "tx_id", txID, "code", string(code), "error", err)
	}
}

// proposeMutation validates one caller mutation and feeds it to the
// collector. Deletes run the cascade executor immediately.
func (e *Engine) proposeMutation(ctx context.Context, c *collector, m Mutation) error {
	if !ir.ValidOperations[m.Op] {
		return ir.NewInvalidMutation(m.Entity, m.ID, "unknown operation %q", m.Op)
	}
	values, err := e.schema.Normalize(m.Entity, m.Values)
	if err != nil {
		return err
	}

	id := m.ID
	if v := values.Str(schema.IDAttribute); v != "" {
		if id != "" && id != v {
			return ir.NewInvalidMutation(m.Entity, id, "primary key is immutable: cannot change id to %q", v)
		}
		id = v
	}

	switch m.Op {
	case ir.OpInsert:
		return e.proposeInsert(ctx, c, m.Entity, id, values)
	case ir.OpUpdate:
		return e.proposeUpdate(ctx, c, m.Entity, id, values)
	default:
		if id == "" {
			return ir.NewInvalidMutation(m.Entity, "", "delete requires an id")
		}
		slot, err := c.load(ctx, m.Entity, id)
		if err != nil {
			return err
		}
		if !slot.live() {
			return ir.NewNotFound(m.Entity, id)
		}
		return e.deleteRow(ctx, c, slot, ir.OriginCaller, "")
	}
}

func (e *Engine) proposeInsert(ctx context.Context, c *collector, entity, id string, values ir.Row) error {
	if id == "" {
		id = e.ids.Generate()
	}
	values[schema.IDAttribute] = ir.String(id)

	for _, attr := range values.SortedKeys() {
		if owner, derived := e.rules.Owner(entity, attr); derived && !ir.IsNull(values[attr]) {
			return ir.NewInvalidMutation(entity, id, "attribute %q is derived by rule %q", attr, owner.RuleName())
		}
	}

	slot, err := c.load(ctx, entity, id)
	if err != nil {
		return err
	}
	if slot.live() {
		// Re-submitting an insert that already committed is a no-op.
		if containsValues(slot.current, values) {
			return nil
		}
		return ir.NewConflict(entity, id, errors.New("row already exists"))
	}

	if err := e.checkParents(ctx, c, entity, nil, values); err != nil {
		return err
	}
	c.propose(slot, ir.OpInsert, values, ir.OriginCaller, "")
	return nil
}

func (e *Engine) proposeUpdate(ctx context.Context, c *collector, entity, id string, values ir.Row) error {
	if id == "" {
		return ir.NewInvalidMutation(entity, "", "update requires an id")
	}
	slot, err := c.load(ctx, entity, id)
	if err != nil {
		return err
	}
	if !slot.live() {
		return ir.NewNotFound(entity, id)
	}

	for _, attr := range values.SortedKeys() {
		owner, derived := e.rules.Owner(entity, attr)
		if !derived {
			continue
		}
		// Echoing the current derived value back is harmless.
		if !ir.Equal(slot.current.Get(attr), values[attr]) {
			return ir.NewInvalidMutation(entity, id, "attribute %q is derived by rule %q", attr, owner.RuleName())
		}
		delete(values, attr)
	}

	after := slot.current.Merge(values)
	if len(ir.Diff(slot.current, after)) == 0 {
		return nil
	}
	if err := e.checkParents(ctx, c, entity, slot.current, after); err != nil {
		return err
	}
	c.propose(slot, ir.OpUpdate, after, ir.OriginCaller, "")
	return nil
}

// checkParents verifies that every foreign key set or changed by the
// mutation references a live row, in the overlay or in storage.
func (e *Engine) checkParents(ctx context.Context, c *collector, entity string, before, after ir.Row) error {
	for _, rel := range e.schema.ParentRelationships(entity) {
		ref := after.Get(rel.ForeignKey)
		if ir.IsNull(ref) || (before != nil && ir.Equal(before.Get(rel.ForeignKey), ref)) {
			continue
		}
		parentID := after.Str(rel.ForeignKey)
		parent, err := c.load(ctx, rel.Parent, parentID)
		if err != nil {
			return err
		}
		if !parent.live() {
			return ir.NewNotFound(rel.Parent, parentID)
		}
	}
	return nil
}

func containsValues(row, values ir.Row) bool {
	for k, v := range values {
		if !ir.Equal(row.Get(k), v) {
			return false
		}
	}
	return true
}
