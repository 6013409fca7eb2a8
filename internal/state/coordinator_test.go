package state

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/domuslink/internal/controller/command"
	"github.com/nerrad567/domuslink/internal/controller/poll"
	"github.com/nerrad567/domuslink/internal/controller/transport"
	"github.com/nerrad567/domuslink/internal/devicemap"
)

type fakePoller struct {
	states  map[string][]poll.InstanceState
	err     error
	calls   atomic.Int32
	onFetch func()
}

func (f *fakePoller) FetchAll(_ context.Context, entityType string) ([]poll.InstanceState, error) {
	f.calls.Add(1)
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.states[entityType], nil
}

type fakeDispatcher struct {
	result   command.Result
	err      error
	commands []command.Command
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd command.Command) (command.Result, error) {
	f.commands = append(f.commands, cmd)
	return f.result, f.err
}

type fakeHistory struct {
	totals  map[string]float64
	err     error
	queries [][]string
}

func (f *fakeHistory) DailyEnergyTotals(_ context.Context, meterIDs []string) (map[string]float64, error) {
	f.queries = append(f.queries, meterIDs)
	if f.err != nil {
		return nil, f.err
	}
	return f.totals, nil
}

func newCoordinator(t *testing.T, poller *fakePoller, entityTypes ...string) *Coordinator {
	t.Helper()
	if len(entityTypes) == 0 {
		entityTypes = []string{"light"}
	}
	return New(Config{EntityTypes: entityTypes}, poller, devicemap.Default())
}

func lightPoller(states ...poll.InstanceState) *fakePoller {
	return &fakePoller{states: map[string][]poll.InstanceState{"light": states}}
}

func TestRefresh_BuildsSnapshot(t *testing.T) {
	poller := lightPoller(
		poll.InstanceState{ID: "light-1", Name: "Hall", Values: map[string]any{"OnOff": true, "Value": 40.0}},
		poll.InstanceState{ID: "light-2", Values: map[string]any{"OnOff": false, "Unmapped": 1}},
	)
	c := newCoordinator(t, poller)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	rec, ok := c.Get("light", "light-1")
	if !ok {
		t.Fatal("light-1 not found after refresh")
	}
	if rec.Name() != "Hall" || rec.Kind() != devicemap.KindLight {
		t.Errorf("record = %q/%v, want Hall/light", rec.Name(), rec.Kind())
	}
	if v, _ := rec.Field("brightness"); v != 40.0 {
		t.Errorf("brightness = %v, want 40", v)
	}

	rec2, _ := c.Get("light", "light-2")
	if _, ok := rec2.Field("Unmapped"); ok {
		t.Error("unmapped wire property leaked into record")
	}

	if got := c.Records("light"); len(got) != 2 || got[0].InstanceID() != "light-1" {
		t.Errorf("Records order = %v, want poll order", got)
	}
}

func TestRefresh_FailureRetainsSnapshot(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"OnOff": true}})
	c := newCoordinator(t, poller)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	poller.err = errors.New("controller unreachable")
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Refresh() error = %v, want ErrRefreshFailed", err)
	}

	// Last known good survives the failed refresh.
	if _, ok := c.Get("light", "light-1"); !ok {
		t.Error("record cleared by failed refresh, want retained")
	}
}

func TestApplyPushUpdate_CopyOnWrite(t *testing.T) {
	poller := lightPoller(poll.InstanceState{
		ID:     "light-1",
		Values: map[string]any{"OnOff": true, "Value": 40.0},
	})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	before, _ := c.Get("light", "light-1")

	c.ApplyPushUpdate("light-1", map[string]transport.PropertyValue{
		"Value": {Value: 75.0, Timestamp: time.Now()},
	})

	after, _ := c.Get("light", "light-1")

	if before == after {
		t.Fatal("update mutated the record in place, want a new record identity")
	}
	if v, _ := before.Field("brightness"); v != 40.0 {
		t.Errorf("pre-update reference brightness = %v, want unchanged 40", v)
	}
	if v, _ := after.Field("brightness"); v != 75.0 {
		t.Errorf("post-update brightness = %v, want 75", v)
	}
	// Untouched fields carry over.
	if v, _ := after.Field("power"); v != true {
		t.Errorf("power = %v, want carried-over true", v)
	}
}

func TestApplyPushUpdate_Idempotent(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"Value": 40.0}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	delta := map[string]transport.PropertyValue{
		"Value": {Value: 75.0, Timestamp: time.Unix(1756200000, 0)},
	}

	c.ApplyPushUpdate("light-1", delta)
	once, _ := c.Get("light", "light-1")

	c.ApplyPushUpdate("light-1", delta)
	twice, _ := c.Get("light", "light-1")

	if !reflect.DeepEqual(once.Fields(), twice.Fields()) {
		t.Errorf("double apply fields = %v, want %v", twice.Fields(), once.Fields())
	}
	if !once.UpdatedAt().Equal(twice.UpdatedAt()) {
		t.Errorf("double apply timestamp = %v, want %v", twice.UpdatedAt(), once.UpdatedAt())
	}
}

func TestApplyPushUpdate_UnknownInstanceDroppedAndFlagged(t *testing.T) {
	c := newCoordinator(t, lightPoller())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	c.ApplyPushUpdate("ghost-9", map[string]transport.PropertyValue{
		"OnOff": {Value: true},
	})

	if _, ok := c.Get("light", "ghost-9"); ok {
		t.Error("unknown instance materialized a record")
	}
	if !c.TakeRefreshPending() {
		t.Error("unknown instance did not flag a refresh")
	}
	if c.TakeRefreshPending() {
		t.Error("TakeRefreshPending did not clear the flag")
	}
}

func TestAggregates_MissingSubComponentsCountZero(t *testing.T) {
	poller := &fakePoller{states: map[string][]poll.InstanceState{
		"meter": {{ID: "meter-1", Values: map[string]any{"PowerA": 100.0, "PowerB": 150.0}}},
	}}
	c := newCoordinator(t, poller, "meter")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	rec, _ := c.Get("meter", "meter-1")
	if v, _ := rec.Field("power_total"); v != 250.0 {
		t.Errorf("power_total = %v, want 250 (unreported phase counts zero)", v)
	}

	// The third phase reports later via push; the aggregate recomputes.
	c.ApplyPushUpdate("meter-1", map[string]transport.PropertyValue{
		"PowerC": {Value: 50.0},
	})

	rec, _ = c.Get("meter", "meter-1")
	if v, _ := rec.Field("power_total"); v != 300.0 {
		t.Errorf("power_total after third phase = %v, want 300", v)
	}
}

func TestAggregates_RetainedAcrossRefresh(t *testing.T) {
	poller := &fakePoller{states: map[string][]poll.InstanceState{
		"meter": {{ID: "meter-1", Values: map[string]any{"PowerA": 100.0}}},
	}}
	c := newCoordinator(t, poller, "meter")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	c.ApplyPushUpdate("meter-1", map[string]transport.PropertyValue{
		"PowerB": {Value: 150.0},
	})

	// The next poll still omits phase B; its pushed value is retained.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	rec, _ := c.Get("meter", "meter-1")
	if v, _ := rec.Field("power_total"); v != 250.0 {
		t.Errorf("power_total after refresh = %v, want 250 (phase B retained)", v)
	}
}

func TestDispatchCommand_PushConfirmedNeverPollsInline(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"OnOff": false}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	dispatcher := &fakeDispatcher{result: command.Result{Channel: "push"}}
	c.SetDispatcher(dispatcher)

	pollsBefore := poller.calls.Load()
	res, err := c.DispatchCommand(context.Background(), "light", "light-1", "turn_on")
	if err != nil {
		t.Fatalf("DispatchCommand() error = %v", err)
	}
	if res.Channel != "push" {
		t.Errorf("channel = %q, want push", res.Channel)
	}

	if got := poller.calls.Load(); got != pollsBefore {
		t.Errorf("dispatch issued %d inline polls, want 0", got-pollsBefore)
	}
	if c.TakeRefreshPending() {
		t.Error("push-confirmed command flagged a refresh, want none")
	}

	if len(dispatcher.commands) != 1 || dispatcher.commands[0].Kind != devicemap.KindLight {
		t.Errorf("dispatched command = %+v, want resolved light kind", dispatcher.commands)
	}
}

func TestDispatchCommand_StatelessFlagsRefresh(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"OnOff": false}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	c.SetDispatcher(&fakeDispatcher{result: command.Result{Channel: "stateless", Fallback: true}})

	if _, err := c.DispatchCommand(context.Background(), "light", "light-1", "turn_on"); err != nil {
		t.Fatalf("DispatchCommand() error = %v", err)
	}
	if !c.TakeRefreshPending() {
		t.Error("stateless command did not flag a refresh for the next cycle")
	}
}

func TestDispatchCommand_UnknownInstance(t *testing.T) {
	c := newCoordinator(t, lightPoller())
	c.SetDispatcher(&fakeDispatcher{})

	_, err := c.DispatchCommand(context.Background(), "light", "ghost-9", "turn_on")
	if !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("DispatchCommand() error = %v, want ErrUnknownInstance", err)
	}
}

func TestCachedValue(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"Value": 40.0}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if v, ok := c.CachedValue("light", "light-1", "brightness"); !ok || v != 40.0 {
		t.Errorf("CachedValue = %v, %v; want 40, true", v, ok)
	}
	if _, ok := c.CachedValue("light", "light-1", "position"); ok {
		t.Error("CachedValue returned a field the record does not have")
	}
}

func TestCorrelateDailyEnergy_OneBatchedQuery(t *testing.T) {
	poller := &fakePoller{states: map[string][]poll.InstanceState{
		"meter": {
			{ID: "meter-1", Values: map[string]any{"Energy": 1000.0}},
			{ID: "meter-2", Values: map[string]any{"Energy": 2000.0}},
		},
	}}
	c := newCoordinator(t, poller, "meter")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	history := &fakeHistory{totals: map[string]float64{"meter-1": 12.5}}
	c.SetHistory(history)

	var gotSource ChangeSource
	c.OnRecordChanged(func(_, _ *Record, source ChangeSource) {
		gotSource = source
	})

	before, _ := c.Get("meter", "meter-1")

	if err := c.CorrelateDailyEnergy(context.Background()); err != nil {
		t.Fatalf("CorrelateDailyEnergy() error = %v", err)
	}

	if len(history.queries) != 1 {
		t.Fatalf("history queries = %d, want exactly 1 batched query", len(history.queries))
	}
	if got := history.queries[0]; len(got) != 2 {
		t.Errorf("batched query covered %v, want both meters", got)
	}

	after, _ := c.Get("meter", "meter-1")
	if before == after {
		t.Error("correlation mutated the record in place, want copy-on-write replacement")
	}
	if v, _ := after.Field("energy_today"); v != 12.5 {
		t.Errorf("energy_today = %v, want 12.5", v)
	}
	if gotSource != SourceCorrelation {
		t.Errorf("hook source = %q, want %q", gotSource, SourceCorrelation)
	}

	// meter-2 had no total reported; it keeps its record untouched.
	rec2, _ := c.Get("meter", "meter-2")
	if _, ok := rec2.Field("energy_today"); ok {
		t.Error("meter-2 gained energy_today without a reported total")
	}
}

func TestOnRecordChanged_HookReceivesOldAndNew(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"Value": 40.0}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	var gotOld, gotNew *Record
	var gotSource ChangeSource
	c.OnRecordChanged(func(old, updated *Record, source ChangeSource) {
		gotOld, gotNew, gotSource = old, updated, source
	})

	c.ApplyPushUpdate("light-1", map[string]transport.PropertyValue{
		"Value": {Value: 75.0},
	})

	if gotOld == nil || gotNew == nil {
		t.Fatal("hook not invoked")
	}
	if gotSource != SourcePush {
		t.Errorf("hook source = %q, want %q", gotSource, SourcePush)
	}
	if v, _ := gotOld.Field("brightness"); v != 40.0 {
		t.Errorf("hook old brightness = %v, want 40", v)
	}
	if v, _ := gotNew.Field("brightness"); v != 75.0 {
		t.Errorf("hook new brightness = %v, want 75", v)
	}
}

func TestRefresh_NotifiesPollDrift(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"Value": 40.0}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	var calls int
	var gotOld, gotNew *Record
	var gotSource ChangeSource
	c.OnRecordChanged(func(old, updated *Record, source ChangeSource) {
		calls++
		gotOld, gotNew, gotSource = old, updated, source
	})

	// Identical data: no drift, no notification.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("unchanged refresh notified %d times, want 0", calls)
	}

	poller.states["light"] = []poll.InstanceState{
		{ID: "light-1", Values: map[string]any{"Value": 75.0}},
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if calls != 1 {
		t.Fatalf("drifted refresh notified %d times, want 1", calls)
	}
	if gotSource != SourcePoll {
		t.Errorf("hook source = %q, want %q", gotSource, SourcePoll)
	}
	if v, _ := gotOld.Field("brightness"); v != 40.0 {
		t.Errorf("hook old brightness = %v, want 40", v)
	}
	if v, _ := gotNew.Field("brightness"); v != 75.0 {
		t.Errorf("hook new brightness = %v, want 75", v)
	}
}

func TestRefresh_KeepsDispatchFlagRaisedMidPoll(t *testing.T) {
	poller := lightPoller(poll.InstanceState{ID: "light-1", Values: map[string]any{"OnOff": false}})
	c := newCoordinator(t, poller)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	c.SetDispatcher(&fakeDispatcher{result: command.Result{Channel: "stateless", Fallback: true}})

	// A stateless dispatch completing while the poll is in flight is not
	// covered by the data that poll returns; its early-refresh request
	// must survive the cycle.
	poller.onFetch = func() {
		if _, err := c.DispatchCommand(context.Background(), "light", "light-1", "turn_on"); err != nil {
			t.Errorf("DispatchCommand() error = %v", err)
		}
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if !c.TakeRefreshPending() {
		t.Error("early-refresh request raised during the poll was lost")
	}
}
