package writeback_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/upstream"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/memstore"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/require"
)

const (
	testOrg    = "org-1"
	testTarget = "agr-1"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type call struct {
	Operation record.Operation
	TargetID  string
	Changes   record.ChangeSet
	Opts      upstream.WriteOptions
}

// fakeRemote stands in for the system of record. respond decides the outcome
// of each call; by default every write is accepted as the next version.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []call
	respond func(n int, c call) (*upstream.WriteResult, error)
}

func (f *fakeRemote) handle(c call) (*upstream.WriteResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &upstream.WriteResult{NewVersion: c.Opts.BaseVersion + 1}, nil
	}
	return respond(n, c)
}

func (f *fakeRemote) UpdateRecord(_ context.Context, id string, changes record.ChangeSet,
	opts upstream.WriteOptions) (*upstream.WriteResult, error) {
	return f.handle(call{Operation: record.OpUpdate, TargetID: id, Changes: changes, Opts: opts})
}

func (f *fakeRemote) DeleteRecord(_ context.Context, id string, opts upstream.WriteOptions) (*upstream.WriteResult, error) {
	return f.handle(call{Operation: record.OpDelete, TargetID: id, Opts: opts})
}

func (f *fakeRemote) ClientFor(context.Context, string) (upstream.RecordWriter, error) {
	return f, nil
}

func (f *fakeRemote) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type recorder struct {
	mu   sync.Mutex
	list []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, ev)
}

func (r *recorder) Types() (types []events.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.list {
		types = append(types, ev.Type)
	}
	return types
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock
	store    *memstore.Store
	remote   *fakeRemote
	events   *recorder
	worker   *writeback.Worker
	queue    *writeback.Queue
	resolver *writeback.Resolver
}

func newFixture(t *testing.T, mutate ...func(cfg *writeback.WorkerConfig)) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		clock:  &clock{t: epoch},
		store:  memstore.New(),
		remote: &fakeRemote{},
		events: &recorder{},
	}

	cfg := writeback.WorkerConfig{
		Store:     f.store,
		Clients:   f.remote,
		Emitter:   f.events,
		BatchSize: 10,
		Now:       f.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	var err error
	f.worker, err = writeback.NewWorker(cfg)
	require.NoError(t, err)
	f.queue = writeback.NewQueue(f.store, f.events, f.clock.Now)
	f.resolver = writeback.NewResolver(f.store, f.events, f.clock.Now)

	return f
}

func baseAgreement() record.Agreement {
	return record.Agreement{
		Title:          "Master services",
		Type:           record.TypeFixedTerm,
		Status:         record.StatusActive,
		Start:          "2025-01-01",
		End:            "2025-12-31",
		Quantity:       10,
		UnitPriceCents: 1500,
	}
}

// seedMirror mirrors target at version with a
func (f *fixture) seedMirror(target string, version int64, a record.Agreement) {
	f.t.Helper()
	b, err := json.Marshal(a)
	require.NoError(f.t, err)
	f.store.PutMirror(&model.Mirror{
		TargetID:       target,
		OrganizationID: testOrg,
		Version:        version,
		Data:           b,
		UpdatedAt:      f.clock.Now(),
	})
}

// remoteEdit simulates an edit made directly in the system of record
func (f *fixture) remoteEdit(target string, version int64, edit func(a *record.Agreement)) {
	f.t.Helper()
	m, err := f.store.GetMirror(f.ctx, target)
	require.NoError(f.t, err)
	a, err := m.Agreement()
	require.NoError(f.t, err)
	edit(&a)
	b, err := json.Marshal(a)
	require.NoError(f.t, err)

	changed, err := writeback.IngestRemoteVersion(f.ctx, f.store, writeback.RemoteVersion{
		TargetID:       target,
		OrganizationID: testOrg,
		Version:        version,
		Data:           b,
	}, f.clock.Now())
	require.NoError(f.t, err)
	require.True(f.t, changed)
}

func (f *fixture) addModification(id, target, org string, baseVersion int64, cs record.ChangeSet) *model.Modification {
	f.t.Helper()
	delta, err := cs.Encode()
	require.NoError(f.t, err)
	m := &model.Modification{
		ID:             id,
		TargetID:       target,
		OrganizationID: org,
		BaseVersion:    baseVersion,
		Delta:          delta,
		Status:         model.ModificationStatusPending,
		Actor:          "user-7",
		Reason:         "contract amendment",
		CreatedAt:      f.clock.Now(),
		UpdatedAt:      f.clock.Now(),
	}
	f.store.PutModification(m)
	return m
}

func (f *fixture) enqueue(modificationID string, op record.Operation) *model.WriteQueueItem {
	f.t.Helper()
	item, err := f.queue.Enqueue(f.ctx, writeback.EnqueueParam{ModificationID: modificationID, Operation: op})
	require.NoError(f.t, err)
	return item
}

func (f *fixture) process() *model.BatchStatus {
	f.t.Helper()
	bs, err := f.worker.ProcessBatch(f.ctx)
	require.NoError(f.t, err)
	return bs
}

func (f *fixture) item(id string) *model.WriteQueueItem {
	f.t.Helper()
	item, err := f.store.GetQueueItem(f.ctx, id)
	require.NoError(f.t, err)
	return item
}

func (f *fixture) modification(id string) *model.Modification {
	f.t.Helper()
	m, err := f.store.GetModification(f.ctx, id)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) mirror(target string) *model.Mirror {
	f.t.Helper()
	m, err := f.store.GetMirror(f.ctx, target)
	require.NoError(f.t, err)
	return m
}

func transient(msg string) error {
	return &failure.Error{Kind: failure.KindTransientServer, Message: msg, StatusCode: 503}
}
