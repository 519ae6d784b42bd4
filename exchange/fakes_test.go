package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRepo struct {
	mu          sync.Mutex
	defs        map[string]Definition
	instances   map[string]Instance
	events      []Event
	updateErr   error
	closeMisses int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		defs:      map[string]Definition{},
		instances: map[string]Instance{},
	}
}

func (f *fakeRepo) InsertDefinition(ctx context.Context, tx pgx.Tx, def Definition) (Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[def.ID]; ok {
		return Definition{}, fmt.Errorf("duplicate definition %s", def.ID)
	}
	f.defs[def.ID] = def
	return def, nil
}

func (f *fakeRepo) GetDefinition(ctx context.Context, id string) (Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, id)
	}
	return def, nil
}

func (f *fakeRepo) GetDefinitions(ctx context.Context, ids []string) (map[string]Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]Definition{}
	for _, id := range ids {
		if def, ok := f.defs[id]; ok {
			out[id] = def
		}
	}
	return out, nil
}

func (f *fakeRepo) GetDefinitionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Definition, error) {
	return f.GetDefinition(ctx, id)
}

func (f *fakeRepo) UpdateDefinition(ctx context.Context, tx pgx.Tx, def Definition) (Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[def.ID]; !ok {
		return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, def.ID)
	}
	f.defs[def.ID] = def
	return def, nil
}

func (f *fakeRepo) ListDefinitionsDue(ctx context.Context, horizonEnd time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, def := range f.defs {
		if !def.Active || def.Recurrence == "none" {
			continue
		}
		if def.MaterializedUntil == nil || def.MaterializedUntil.Before(horizonEnd) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeRepo) InsertInstances(ctx context.Context, tx pgx.Tx, instances []Instance) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []Instance
	for _, inst := range instances {
		if f.hasOccurrence(inst.DefinitionID, inst.ScheduledAt) {
			continue
		}
		f.instances[inst.ID] = inst
		inserted = append(inserted, inst)
	}
	return inserted, nil
}

func (f *fakeRepo) hasOccurrence(defID string, at time.Time) bool {
	for _, existing := range f.instances {
		if existing.DefinitionID == defID && existing.ScheduledAt.Equal(at) {
			return true
		}
	}
	return false
}

func (f *fakeRepo) GetInstance(ctx context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return inst, nil
}

func (f *fakeRepo) GetInstanceForUpdate(ctx context.Context, tx pgx.Tx, id string) (Instance, error) {
	return f.GetInstance(ctx, id)
}

func (f *fakeRepo) UpdateInstance(ctx context.Context, tx pgx.Tx, inst Instance) (Instance, error) {
	if f.updateErr != nil {
		return Instance{}, f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *fakeRepo) MarkAutoClosed(ctx context.Context, tx pgx.Tx, inst Instance) (Instance, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.instances[inst.ID]
	if current.AutoClosed || current.Status != StatusScheduled {
		f.closeMisses++
		return Instance{}, false, nil
	}
	f.instances[inst.ID] = inst
	return inst, true, nil
}

func (f *fakeRepo) ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Instance
	for _, inst := range f.instances {
		def := f.defs[inst.DefinitionID]
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.CaseID != "" && def.CaseID != filter.CaseID {
			continue
		}
		if filter.From != nil && inst.ScheduledAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !inst.ScheduledAt.Before(*filter.To) {
			continue
		}
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b Instance) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return out, nil
}

func (f *fakeRepo) ListOverdue(ctx context.Context, now time.Time, exclude []string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, inst := range f.instances {
		if inst.AutoClosed || inst.Status != StatusScheduled || inst.WindowEnd == nil || slices.Contains(exclude, id) {
			continue
		}
		if inst.WindowEnd.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) eventTypes(instanceID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.InstanceID == instanceID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fakeAccess struct {
	members map[string][]string
	err     error
}

func (f *fakeAccess) CanAct(ctx context.Context, caseID, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return slices.Contains(f.members[caseID], userID), nil
}

type fakeDirectory map[string]string

func (f fakeDirectory) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if name, ok := f[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

type fakeOutbox struct {
	topics   []string
	payloads []map[string]any
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakePool struct {
	mu       sync.Mutex
	txs      []*fakeTx
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
