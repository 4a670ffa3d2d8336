package sweeper

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/storage/file"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

var now = time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)

// memStore returns every batch in the requested status created before the
// cutoff. It deliberately ignores name_customized so that the in-code check
// is exercised.
type memStore struct {
	batches   map[uuid.UUID]model.Batch
	deleteErr map[uuid.UUID]error
}

func (m *memStore) ListExpired(_ context.Context, status model.Status, cutoff time.Time) ([]model.Batch, error) {
	var out []model.Batch
	for _, b := range m.batches {
		if b.Status == status && b.CreatedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) ListUnfinished(_ context.Context, cutoff time.Time) ([]model.Batch, error) {
	var out []model.Batch
	for _, b := range m.batches {
		if (b.Status == model.StatusQueued || b.Status == model.StatusProcessing) && b.CreatedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) DeleteBatch(_ context.Context, id uuid.UUID) error {
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	if _, ok := m.batches[id]; !ok {
		return model.ErrBatchNotFound
	}
	delete(m.batches, id)
	return nil
}

// jobRefresher rewrites the cached status of a batch to the status its jobs
// actually have.
type jobRefresher struct {
	store     *memStore
	derived   map[uuid.UUID]model.Status
	err       error
	refreshed []uuid.UUID
}

func (r *jobRefresher) RefreshBatch(_ context.Context, id uuid.UUID) error {
	r.refreshed = append(r.refreshed, id)
	if r.err != nil {
		return r.err
	}
	if status, ok := r.derived[id]; ok {
		b := r.store.batches[id]
		b.Status = status
		r.store.batches[id] = b
	}
	return nil
}

type memInputs struct {
	deleted []string
}

func (m *memInputs) DeletePrefix(_ context.Context, prefix string) error {
	m.deleted = append(m.deleted, prefix)
	return nil
}

type fixture struct {
	store     *memStore
	outputs   *file.Storage
	inputs    *memInputs
	refresher *jobRefresher
	sweeper   *Sweeper
}

func newFixture(t *testing.T, batches ...model.Batch) *fixture {
	t.Helper()

	f := &fixture{
		store:   &memStore{batches: map[uuid.UUID]model.Batch{}, deleteErr: map[uuid.UUID]error{}},
		outputs: file.NewStorage(t.TempDir()),
		inputs:  &memInputs{},
	}
	f.refresher = &jobRefresher{store: f.store, derived: map[uuid.UUID]model.Status{}}
	for _, b := range batches {
		f.store.batches[b.ID] = b
		_, err := f.outputs.Save(b.BaseDirectoryName, uuid.New(), "out.png", strings.NewReader("x"))
		require.NoError(t, err)
	}

	f.sweeper = New(f.store, NewPurger(f.store, f.outputs, f.inputs), f.refresher, Options{
		Enabled:       true,
		Interval:      time.Hour,
		CompletedDays: 30,
		FailedDays:    7,
	})
	f.sweeper.now = func() time.Time { return now }

	return f
}

func (f *fixture) dirExists(t *testing.T, b model.Batch) bool {
	t.Helper()
	dir, err := f.outputs.BatchDir(b.BaseDirectoryName)
	require.NoError(t, err)
	_, err = os.Stat(dir)
	return err == nil
}

func newBatch(name string, status model.Status, age time.Duration) model.Batch {
	return model.Batch{
		ID:                uuid.New(),
		BaseDirectoryName: name,
		Status:            status,
		CreatedAt:         now.Add(-age),
		TotalSize:         100,
	}
}

const day = 24 * time.Hour

func TestSweepDeletesEligibleBatches(t *testing.T) {
	oldCompleted := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 31*day)
	recentCompleted := newBatch("PL_A_2025-11-20_batch-1", model.StatusCompleted, 10*day)
	oldFailed := newBatch("PL_A_2025-11-20_batch-2", model.StatusFailed, 8*day)
	recentFailed := newBatch("PL_A_2025-11-28_batch-1", model.StatusFailed, 3*day)
	stuck := newBatch("PL_A_2025-01-01_batch-1", model.StatusProcessing, 300*day)

	renamed := newBatch("PL_A_2025-09-01_batch-1", model.StatusCompleted, 90*day)
	name := "Spring catalogue"
	renamed.CustomName, renamed.NameCustomized = &name, true

	f := newFixture(t, oldCompleted, recentCompleted, oldFailed, recentFailed, stuck, renamed)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Deleted: 2}, report)

	for _, gone := range []model.Batch{oldCompleted, oldFailed} {
		assert.NotContains(t, f.store.batches, gone.ID)
		assert.False(t, f.dirExists(t, gone), gone.BaseDirectoryName)
		assert.Contains(t, f.inputs.deleted, "inputs/"+gone.BaseDirectoryName+"/")
	}
	for _, kept := range []model.Batch{recentCompleted, recentFailed, stuck, renamed} {
		assert.Contains(t, f.store.batches, kept.ID)
		assert.True(t, f.dirExists(t, kept), kept.BaseDirectoryName)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	a := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 40*day)
	b := newBatch("PL_A_2025-10-01_batch-2", model.StatusCompleted, 40*day)
	f := newFixture(t, a, b)
	f.store.deleteErr[a.ID] = errors.New("connection reset")

	report, err := f.sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, Report{Deleted: 1, Failed: 1}, report)
	assert.Contains(t, f.store.batches, a.ID)
	assert.True(t, f.dirExists(t, a), "files stay when the row could not be deleted")
	assert.NotContains(t, f.store.batches, b.ID)
}

func TestSweepRefreshesStaleStatusFirst(t *testing.T) {
	finished := newBatch("PL_A_2025-09-01_batch-1", model.StatusProcessing, 40*day)
	running := newBatch("PL_A_2025-09-01_batch-2", model.StatusProcessing, 40*day)
	young := newBatch("PL_A_2025-11-30_batch-1", model.StatusQueued, day)
	f := newFixture(t, finished, running, young)
	f.refresher.derived[finished.ID] = model.StatusCompleted

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Deleted: 1}, report)
	assert.NotContains(t, f.store.batches, finished.ID)
	assert.Contains(t, f.store.batches, running.ID)
	assert.ElementsMatch(t, []uuid.UUID{finished.ID, running.ID}, f.refresher.refreshed)
}

func TestSweepContinuesWhenRefreshFails(t *testing.T) {
	stale := newBatch("PL_A_2025-09-01_batch-1", model.StatusProcessing, 40*day)
	expired := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 40*day)
	f := newFixture(t, stale, expired)
	f.refresher.err = errors.New("connection reset")

	report, err := f.sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, Report{Deleted: 1}, report)
	assert.Contains(t, f.store.batches, stale.ID)
	assert.NotContains(t, f.store.batches, expired.ID)
}

func TestPreviewSeesRefreshedStatus(t *testing.T) {
	finished := newBatch("PL_A_2025-11-20_batch-1", model.StatusQueued, 8*day)
	f := newFixture(t, finished)
	f.refresher.derived[finished.ID] = model.StatusFailed

	p, err := f.sweeper.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Classes, 2)
	assert.Equal(t, 0, p.Classes[0].Count)
	assert.Equal(t, 1, p.Classes[1].Count)
	assert.Contains(t, f.store.batches, finished.ID)
}

func TestPurgeToleratesMissingDirectory(t *testing.T) {
	b := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 40*day)
	f := newFixture(t)
	f.store.batches[b.ID] = b

	p := NewPurger(f.store, f.outputs, f.inputs)
	require.NoError(t, p.Purge(context.Background(), b))
	require.NoError(t, p.Purge(context.Background(), b), "second purge finds nothing left")
}

func TestPreviewDoesNotDelete(t *testing.T) {
	oldCompleted := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 31*day)
	oldFailed := newBatch("PL_A_2025-11-20_batch-2", model.StatusFailed, 8*day)
	f := newFixture(t, oldCompleted, oldFailed)

	p, err := f.sweeper.Preview(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Enabled)
	require.Len(t, p.Classes, 2)
	assert.Equal(t, model.StatusCompleted, p.Classes[0].Status)
	assert.Equal(t, 30, p.Classes[0].Days)
	assert.Equal(t, 1, p.Classes[0].Count)
	assert.Equal(t, int64(100), p.Classes[0].TotalSize)
	assert.Equal(t, 1, p.Classes[1].Count)

	assert.Len(t, f.store.batches, 2)
	assert.True(t, f.dirExists(t, oldCompleted))
}

func TestPolicyEligible(t *testing.T) {
	p := Policy{Status: model.StatusCompleted, Days: 30}
	name := "keep"

	tests := []struct {
		name  string
		batch model.Batch
		want  bool
	}{
		{"old completed", newBatch("a", model.StatusCompleted, 31*day), true},
		{"exactly at cutoff", newBatch("a", model.StatusCompleted, 30*day), false},
		{"wrong status", newBatch("a", model.StatusFailed, 31*day), false},
		{"renamed", model.Batch{Status: model.StatusCompleted, CreatedAt: now.Add(-90 * day), CustomName: &name, NameCustomized: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Eligible(tt.batch, now))
		})
	}
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	b := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 40*day)
	f := newFixture(t, b)
	f.sweeper.opts.Enabled = false

	done := make(chan struct{})
	go func() {
		f.sweeper.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper kept running")
	}
	assert.Contains(t, f.store.batches, b.ID)
}

func TestRunSweepsAtStart(t *testing.T) {
	b := newBatch("PL_A_2025-10-01_batch-1", model.StatusCompleted, 40*day)
	f := newFixture(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !f.dirExists(t, b)
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
