package state

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/domuslink/internal/controller/command"
	"github.com/nerrad567/domuslink/internal/controller/poll"
	"github.com/nerrad567/domuslink/internal/controller/transport"
	"github.com/nerrad567/domuslink/internal/devicemap"
)

// energyTodayField is the derived field written by history correlation.
const energyTodayField = "energy_today"

// ChangeSource identifies which data-arrival channel produced a record
// change delivered to OnRecordChanged hooks.
type ChangeSource string

const (
	// SourcePush marks changes merged from push deltas.
	SourcePush ChangeSource = "push"

	// SourcePoll marks drift detected by a full snapshot refresh.
	SourcePoll ChangeSource = "poll"

	// SourceCorrelation marks derived fields written by history
	// correlation.
	SourceCorrelation ChangeSource = "correlation"
)

// Poller issues full-state polls. Satisfied by *poll.Client.
type Poller interface {
	FetchAll(ctx context.Context, entityType string) ([]poll.InstanceState, error)
}

// CommandDispatcher routes one command to a transport. Satisfied by
// *command.Dispatcher.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) (command.Result, error)
}

// HistorySource answers batched time-series queries for derived daily
// values. Satisfied by the influxdb client.
type HistorySource interface {
	// DailyEnergyTotals returns today's accumulated energy per meter
	// instance id, covering every requested id in one query.
	DailyEnergyTotals(ctx context.Context, meterIDs []string) (map[string]float64, error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains coordinator settings.
type Config struct {
	// EntityTypes are the entity types polled each refresh cycle.
	EntityTypes []string
}

// Coordinator owns the canonical snapshot of all device records and
// merges the two data-arrival channels into it: periodic full polls
// rebuild the snapshot wholesale, push deltas replace individual record
// slots copy-on-write.
//
// Thread Safety: all methods are safe for concurrent use. The snapshot
// pointer and the retained sub-component values are the only state
// touched from more than one flow; both are governed by the single
// coordinator mutex, and records themselves are never mutated after
// publication.
type Coordinator struct {
	cfg        Config
	poller     Poller
	table      *devicemap.Table
	dispatcher CommandDispatcher
	history    HistorySource

	mu   sync.RWMutex
	snap *snapshot

	// subValues retains the latest known value of each aggregate
	// sub-component per instance. It survives refreshes so that an
	// aggregate never regresses when a poll omits a sub-component a push
	// already reported.
	subValues map[recordKey]map[string]float64

	refreshPending atomic.Bool

	hookMu          sync.Mutex
	onRefresh       []func()
	onRecordChanged []func(old, updated *Record, source ChangeSource)

	logger Logger
	now    func() time.Time
}

// New creates a coordinator with an empty snapshot. Call Refresh to seed
// it from the controller.
func New(cfg Config, poller Poller, table *devicemap.Table) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		poller:    poller,
		table:     table,
		snap:      newSnapshot(),
		subValues: make(map[recordKey]map[string]float64),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetDispatcher installs the command dispatcher. Set after construction:
// the dispatcher itself reads companion values back out of the
// coordinator.
func (c *Coordinator) SetDispatcher(d CommandDispatcher) {
	c.dispatcher = d
}

// SetHistory installs the optional time-series source for derived daily
// values.
func (c *Coordinator) SetHistory(h HistorySource) {
	c.history = h
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// OnRefresh registers a hook invoked after every completed refresh.
func (c *Coordinator) OnRefresh(fn func()) {
	c.hookMu.Lock()
	c.onRefresh = append(c.onRefresh, fn)
	c.hookMu.Unlock()
}

// OnRecordChanged registers a hook invoked after a push delta, poll drift
// or derived correlation replaces a record. Hooks receive both the
// superseded and the new record, plus the channel that produced the change.
func (c *Coordinator) OnRecordChanged(fn func(old, updated *Record, source ChangeSource)) {
	c.hookMu.Lock()
	c.onRecordChanged = append(c.onRecordChanged, fn)
	c.hookMu.Unlock()
}

// Refresh issues one full poll per configured entity type and swaps in a
// snapshot built from scratch.
//
// The new snapshot, list and indexes included, is built in full before it
// becomes visible; readers that obtained the old snapshot's records keep
// a consistent if stale view. A failed poll leaves the previous snapshot
// in place untouched: connectivity loss degrades to last known good, it
// never clears state.
func (c *Coordinator) Refresh(ctx context.Context) error {
	// Clear the early-refresh request up front: a stateless dispatch that
	// completes while the polls below are in flight is not covered by the
	// data they return, so its request must survive this cycle.
	c.refreshPending.Store(false)

	next := newSnapshot()

	for _, entityType := range c.cfg.EntityTypes {
		states, err := c.poller.FetchAll(ctx, entityType)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrRefreshFailed, entityType, err)
		}

		kind := devicemap.ParseKind(entityType)
		for _, st := range states {
			next.insert(c.buildRecord(entityType, kind, st))
		}
	}

	type recordChange struct {
		old, updated *Record
	}
	var drifted []recordChange

	c.mu.Lock()
	prev := c.snap
	// Seed aggregates before the swap makes the records visible.
	for _, list := range next.lists {
		for _, r := range list {
			c.applyAggregatesLocked(r, r.fields)
			if old, ok := prev.lookup(r.entityType, r.instanceID); ok && polledFieldsDiffer(old, r) {
				drifted = append(drifted, recordChange{old: old, updated: r})
			}
		}
	}
	c.snap = next
	c.mu.Unlock()

	for _, ch := range drifted {
		c.notifyRecordChanged(ch.old, ch.updated, SourcePoll)
	}

	c.hookMu.Lock()
	hooks := make([]func(), len(c.onRefresh))
	copy(hooks, c.onRefresh)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	return nil
}

// buildRecord translates one polled instance into a canonical record.
// Wire properties without a canonical mapping for the kind are dropped.
func (c *Coordinator) buildRecord(entityType string, kind devicemap.Kind, st poll.InstanceState) *Record {
	fields := make(map[string]any, len(st.Values))
	for wire, value := range st.Values {
		canonical, ok := c.table.CanonicalField(kind, wire)
		if !ok {
			continue
		}
		fields[canonical] = value
	}

	return &Record{
		entityType: entityType,
		instanceID: st.ID,
		name:       st.Name,
		kind:       kind,
		fields:     fields,
		updatedAt:  c.now(),
	}
}

// ApplyPushUpdate merges one push delta into the instance's record
// copy-on-write.
//
// The snapshot reference is captured once at entry. If a concurrent
// Refresh swaps the snapshot while the delta is being translated, the
// record is re-resolved against the new snapshot before the clone is
// built, so a copy is never applied against a snapshot it was not taken
// from. An instance the current index does not contain is logged and
// dropped, and a refresh is flagged so the next cycle discovers it.
func (c *Coordinator) ApplyPushUpdate(instanceID string, changed map[string]transport.PropertyValue) {
	c.mu.RLock()
	snap := c.snap
	rec, ok := snap.lookupByID(instanceID)
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn("push update for unknown instance, scheduling refresh", "instance_id", instanceID)
		c.refreshPending.Store(true)
		return
	}

	// Translate outside the lock; the merge itself happens under it.
	merged := make(map[string]any, len(changed))
	var latest time.Time
	for prop, pv := range changed {
		canonical, known := c.table.CanonicalField(rec.kind, prop)
		if !known {
			c.logger.Debug("push property with no canonical mapping",
				"instance_id", instanceID,
				"property", prop)
			continue
		}
		merged[canonical] = pv.Value
		if pv.Timestamp.After(latest) {
			latest = pv.Timestamp
		}
	}
	if len(merged) == 0 {
		return
	}
	if latest.IsZero() {
		latest = c.now()
	}

	c.mu.Lock()
	if c.snap != snap {
		rec, ok = c.snap.lookupByID(instanceID)
		if !ok {
			c.mu.Unlock()
			c.logger.Warn("instance vanished during concurrent refresh, dropping push update",
				"instance_id", instanceID)
			c.refreshPending.Store(true)
			return
		}
	}

	updated := rec.clone()
	for field, value := range merged {
		updated.fields[field] = value
	}
	updated.updatedAt = latest
	c.applyAggregatesLocked(updated, merged)

	replaced := c.snap.replace(rec, updated)
	c.mu.Unlock()

	if replaced {
		c.notifyRecordChanged(rec, updated, SourcePush)
	}
}

// applyAggregatesLocked folds changed sub-component values into the
// retained per-instance set and recomputes the record's derived fields.
// Sub-components never reported count as zero. Caller holds c.mu.
func (c *Coordinator) applyAggregatesLocked(r *Record, changed map[string]any) {
	aggs := c.table.Aggregates(r.kind)
	if len(aggs) == 0 {
		return
	}

	key := recordKey{r.entityType, r.instanceID}
	sub := c.subValues[key]
	if sub == nil {
		sub = make(map[string]float64)
		c.subValues[key] = sub
	}

	for _, agg := range aggs {
		for _, src := range agg.Sources {
			if v, ok := changed[src]; ok {
				if f, ok := toFloat(v); ok {
					sub[src] = f
				}
			}
		}

		var total float64
		for _, src := range agg.Sources {
			total += sub[src]
		}
		r.fields[agg.Target] = total
	}
}

// Get returns the current record for a key, or false if absent. The
// returned record is a stable read-only reference: later updates replace
// the slot, they never mutate the returned record.
func (c *Coordinator) Get(entityType, instanceID string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.lookup(entityType, instanceID)
}

// Records returns the current records of one entity type in poll order.
func (c *Coordinator) Records(entityType string) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.snap.lists[entityType]
	out := make([]*Record, len(list))
	copy(out, list)
	return out
}

// CachedValue returns the last known value of one canonical field, for
// command dispatch companion arguments.
func (c *Coordinator) CachedValue(entityType, instanceID, field string) (any, bool) {
	rec, ok := c.Get(entityType, instanceID)
	if !ok {
		return nil, false
	}
	return rec.Field(field)
}

// DispatchCommand resolves the target record and routes the command
// through the dispatcher.
//
// It never polls inline: a push-channel command confirms via its push
// delta, and an immediate poll could race ahead of that delta and
// overwrite the just-applied value with pre-command stale data. A
// stateless command flags a refresh for the next scheduled cycle instead,
// since no delta will arrive for it.
func (c *Coordinator) DispatchCommand(ctx context.Context, entityType, instanceID, operation string, args ...any) (command.Result, error) {
	rec, ok := c.Get(entityType, instanceID)
	if !ok {
		return command.Result{}, fmt.Errorf("%w: %s/%s", ErrUnknownInstance, entityType, instanceID)
	}

	res, err := c.dispatcher.Dispatch(ctx, command.Command{
		EntityType: entityType,
		InstanceID: instanceID,
		Kind:       rec.kind,
		Operation:  operation,
		Args:       args,
	})
	if err != nil {
		return res, err
	}

	if res.Channel == "stateless" {
		c.refreshPending.Store(true)
	}
	return res, nil
}

// TakeRefreshPending reports whether an out-of-cycle refresh was flagged,
// clearing the flag.
func (c *Coordinator) TakeRefreshPending() bool {
	return c.refreshPending.Swap(false)
}

// CorrelateDailyEnergy computes each meter's derived "today" energy value
// from the time-series store and merges it into the meter records.
//
// One batched query covers every meter per cycle; per-instance queries
// starve shared executor resources under load and are never issued.
func (c *Coordinator) CorrelateDailyEnergy(ctx context.Context) error {
	if c.history == nil {
		return nil
	}

	var meters []*Record
	c.mu.RLock()
	for _, list := range c.snap.lists {
		for _, r := range list {
			if r.kind == devicemap.KindMeter {
				meters = append(meters, r)
			}
		}
	}
	c.mu.RUnlock()

	if len(meters) == 0 {
		return nil
	}

	ids := make([]string, len(meters))
	for i, m := range meters {
		ids[i] = m.instanceID
	}

	totals, err := c.history.DailyEnergyTotals(ctx, ids)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrelateFailed, err)
	}

	for _, m := range meters {
		total, ok := totals[m.instanceID]
		if !ok {
			continue
		}
		c.applyDerived(m.entityType, m.instanceID, energyTodayField, total)
	}
	return nil
}

// applyDerived merges one derived field into a record copy-on-write,
// following the same re-resolution discipline as push updates.
func (c *Coordinator) applyDerived(entityType, instanceID, field string, value any) {
	c.mu.Lock()
	rec, ok := c.snap.lookup(entityType, instanceID)
	if !ok {
		c.mu.Unlock()
		return
	}
	if existing, has := rec.fields[field]; has && existing == value {
		c.mu.Unlock()
		return
	}

	updated := rec.clone()
	updated.fields[field] = value
	replaced := c.snap.replace(rec, updated)
	c.mu.Unlock()

	if replaced {
		c.notifyRecordChanged(rec, updated, SourceCorrelation)
	}
}

func (c *Coordinator) notifyRecordChanged(old, updated *Record, source ChangeSource) {
	c.hookMu.Lock()
	hooks := make([]func(old, updated *Record, source ChangeSource), len(c.onRecordChanged))
	copy(hooks, c.onRecordChanged)
	c.hookMu.Unlock()

	for _, fn := range hooks {
		fn(old, updated, source)
	}
}

// polledFieldsDiffer reports whether any field the refresh produced
// differs from the prior record. Fields only the prior record carries
// (derived correlations) do not count as drift; the correlation cycle
// re-derives them right after the refresh.
func polledFieldsDiffer(prev, next *Record) bool {
	for k, v := range next.fields {
		pv, ok := prev.fields[k]
		if !ok || !reflect.DeepEqual(pv, v) {
			return true
		}
	}
	return false
}

// toFloat widens the numeric types JSON decoding and callers produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
