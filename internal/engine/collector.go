package engine

import (
	"context"
	"fmt"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
)

// rowKey identifies one row across entities.
type rowKey struct {
	entity string
	id     string
}

func (k rowKey) String() string {
	return k.entity + ":" + k.id
}

// rowSlot is the overlay entry for one row read or touched in the
// transaction.
type rowSlot struct {
	key     rowKey
	base    ir.Row // state before the transaction, nil if the row did not exist
	version int64  // stored version, 0 if the row did not exist
	current ir.Row // nil when absent or deleted
	touched bool
	origin  ir.Origin // origin of the first change touching the row
	rule    string
}

func (s *rowSlot) live() bool {
	return s.current != nil
}

// contribKey identifies one child's accounted contribution to one parent's
// aggregate.
type contribKey struct {
	rule   string
	parent string
	child  string
}

// collector is the change collector of one transaction.
//
// It keeps the ordered change log and an overlay of row state so every
// read inside the transaction sees proposed values. Nothing is persisted
// until the engine hands Net() to the adapter; on rollback the collector is
// simply dropped.
//
// A collector is owned by exactly one Apply call and is not safe for
// concurrent use.
type collector struct {
	tx     Tx
	schema *schema.Registry
	clock  *Clock

	log       []ir.Change
	processed map[int64]bool // by Change.Seq

	slots    map[rowKey]*rowSlot
	touched  []rowKey            // first-touch order
	byEntity map[string][]string // entity -> touched row ids, first-touch order

	accounted map[contribKey]ir.Decimal
	reads     int
}

func newCollector(tx Tx, s *schema.Registry) *collector {
	return &collector{
		tx:        tx,
		schema:    s,
		clock:     NewClock(),
		processed: make(map[int64]bool),
		slots:     make(map[rowKey]*rowSlot),
		byEntity:  make(map[string][]string),
		accounted: make(map[contribKey]ir.Decimal),
	}
}

// load returns the slot for a row, reading through to the adapter the first
// time the row is seen. A missing row yields a slot that is not live.
func (c *collector) load(ctx context.Context, entity, id string) (*rowSlot, error) {
	key := rowKey{entity: entity, id: id}
	if slot, ok := c.slots[key]; ok {
		return slot, nil
	}

	c.reads++
	rec, err := c.tx.Read(ctx, entity, id)
	if err != nil && !ir.IsCode(err, ir.ErrCodeNotFound) {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	slot := &rowSlot{key: key}
	if err == nil {
		if err := c.fill(slot, rec); err != nil {
			return nil, err
		}
	}
	c.slots[key] = slot
	return slot, nil
}

// adopt registers a record returned by ReadChildren. A row already in the
// overlay keeps its overlay state.
func (c *collector) adopt(entity string, rec ir.Record) (*rowSlot, error) {
	key := rowKey{entity: entity, id: rec.ID}
	if slot, ok := c.slots[key]; ok {
		return slot, nil
	}
	slot := &rowSlot{key: key}
	if err := c.fill(slot, rec); err != nil {
		return nil, err
	}
	c.slots[key] = slot
	return slot, nil
}

func (c *collector) fill(slot *rowSlot, rec ir.Record) error {
	attrs, err := c.schema.Normalize(slot.key.entity, rec.Attrs)
	if err != nil {
		return fmt.Errorf("stored row %s: %w", slot.key, err)
	}
	attrs[schema.IDAttribute] = ir.String(rec.ID)
	slot.base = attrs
	slot.current = attrs
	slot.version = rec.Version
	return nil
}

// propose appends a change to the log and applies it to the overlay.
// after is nil for deletes. Re-entrant: derivation and cascade call it while
// the engine is iterating earlier changes.
func (c *collector) propose(slot *rowSlot, op ir.Operation, after ir.Row, origin ir.Origin, rule string) ir.Change {
	change := ir.Change{
		Seq:         c.clock.Next(),
		Entity:      slot.key.entity,
		Op:          op,
		RowID:       slot.key.id,
		Before:      slot.current.Clone(),
		After:       after.Clone(),
		Origin:      origin,
		Rule:        rule,
		BaseVersion: slot.version,
	}

	if !slot.touched {
		slot.touched = true
		slot.origin = origin
		slot.rule = rule
		c.touched = append(c.touched, slot.key)
		c.byEntity[slot.key.entity] = append(c.byEntity[slot.key.entity], slot.key.id)
	}
	slot.current = change.After

	c.log = append(c.log, change)
	return change
}

// Pending returns the changes not yet processed, in log order.
func (c *collector) Pending() []ir.Change {
	var out []ir.Change
	for _, ch := range c.log {
		if !c.processed[ch.Seq] {
			out = append(out, ch)
		}
	}
	return out
}

// MarkProcessed records that a change's dependents have been scheduled.
func (c *collector) MarkProcessed(ch ir.Change) {
	c.processed[ch.Seq] = true
}

// Log returns every change proposed so far, in order.
func (c *collector) Log() []ir.Change {
	return c.log
}

// children returns the live rows whose foreign key currently references
// parentID: stored children merged with the overlay, stored rows first in
// id order, then rows moved or inserted in this transaction in first-touch
// order.
func (c *collector) children(ctx context.Context, rel schema.Relationship, parentID string) ([]*rowSlot, error) {
	c.reads++
	recs, err := c.tx.ReadChildren(ctx, rel, parentID)
	if err != nil {
		return nil, fmt.Errorf("read children %s of %s: %w", rel.Name, parentID, err)
	}

	seen := make(map[string]bool, len(recs))
	var out []*rowSlot
	for _, rec := range recs {
		slot, err := c.adopt(rel.Child, rec)
		if err != nil {
			return nil, err
		}
		seen[rec.ID] = true
		if slot.live() && slot.current.Str(rel.ForeignKey) == parentID {
			out = append(out, slot)
		}
	}
	for _, id := range c.byEntity[rel.Child] {
		if seen[id] {
			continue
		}
		slot := c.slots[rowKey{entity: rel.Child, id: id}]
		if slot.live() && slot.current.Str(rel.ForeignKey) == parentID {
			out = append(out, slot)
		}
	}
	return out, nil
}

// parentIDs returns the distinct non-null values the row's foreign key held
// before the transaction and holds now.
func (c *collector) parentIDs(entity, id, fk string) []string {
	slot, ok := c.slots[rowKey{entity: entity, id: id}]
	if !ok {
		return nil
	}
	var out []string
	for _, row := range []ir.Row{slot.base, slot.current} {
		if row == nil {
			continue
		}
		if p := row.Str(fk); p != "" && (len(out) == 0 || out[0] != p) {
			out = append(out, p)
		}
	}
	return out
}

// Net compacts the log into one change per touched row, in first-touch
// order: insert then update is an insert, insert then delete is nothing,
// updates collapse, and updates that end where they started are dropped.
// Seq is renumbered from 1.
func (c *collector) Net() []ir.Change {
	var out []ir.Change
	for _, key := range c.touched {
		slot := c.slots[key]
		change := ir.Change{
			Entity:      key.entity,
			RowID:       key.id,
			Origin:      slot.origin,
			Rule:        slot.rule,
			BaseVersion: slot.version,
		}
		switch {
		case slot.base == nil && slot.current == nil:
			continue
		case slot.base == nil:
			change.Op = ir.OpInsert
			change.After = slot.current.Clone()
		case slot.current == nil:
			change.Op = ir.OpDelete
			change.Before = slot.base.Clone()
		default:
			if len(ir.Diff(slot.base, slot.current)) == 0 {
				continue
			}
			change.Op = ir.OpUpdate
			change.Before = slot.base.Clone()
			change.After = slot.current.Clone()
		}
		change.Seq = int64(len(out) + 1)
		out = append(out, change)
	}
	return out
}

// States returns the final state of every row the net change set touches.
func (c *collector) States(net []ir.Change) []ir.RowState {
	out := make([]ir.RowState, 0, len(net))
	for _, ch := range net {
		state := ir.RowState{Entity: ch.Entity, ID: ch.RowID}
		if ch.Op == ir.OpDelete {
			state.Deleted = true
		} else {
			state.Attrs = ch.After
		}
		out = append(out, state)
	}
	return out
}
