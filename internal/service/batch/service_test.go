package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	batchgroup "github.com/aliskhannn/asset-pipeline/internal/batch"
	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/storage/file"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

// memDB stands in for the batch and job repositories.
type memDB struct {
	mu         sync.Mutex
	batches    map[uuid.UUID]model.Batch
	jobs       map[uuid.UUID]model.Job
	counters   map[string]int
	aggregates int
	since      []time.Time
}

func newMemDB() *memDB {
	return &memDB{
		batches:  map[uuid.UUID]model.Batch{},
		jobs:     map[uuid.UUID]model.Job{},
		counters: map[string]int{},
	}
}

func (m *memDB) CreateBatch(_ context.Context, b model.Batch) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := b.CustomerPrefix + "|" + b.BatchDate
	m.counters[key]++
	b.BatchCounter = m.counters[key]
	b.BaseDirectoryName = model.GenerateBaseName(b.CustomerPrefix, b.BatchDate, b.BatchCounter)
	m.batches[b.ID] = b
	return b, nil
}

func (m *memDB) GetBatch(_ context.Context, id uuid.UUID) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.Batch{}, model.ErrBatchNotFound
	}
	return b, nil
}

func (m *memDB) ListBatches(_ context.Context, _ model.BatchFilter) ([]model.Batch, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Batch
	for _, b := range m.batches {
		out = append(out, b)
	}
	return out, len(out), nil
}

func (m *memDB) Stats(context.Context) (model.BatchStats, error) {
	return model.BatchStats{Total: len(m.batches)}, nil
}

func (m *memDB) UpdateAggregate(_ context.Context, id uuid.UUID, status model.Status, completed, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.ErrBatchNotFound
	}
	m.aggregates++
	b.Status, b.CompletedCount, b.FailedCount = status, completed, failed
	m.batches[id] = b
	return nil
}

func (m *memDB) Rename(_ context.Context, id uuid.UUID, name string) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.Batch{}, model.ErrBatchNotFound
	}
	b.CustomName, b.NameCustomized = &name, true
	m.batches[id] = b
	return b, nil
}

func (m *memDB) ResetName(_ context.Context, id uuid.UUID) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.Batch{}, model.ErrBatchNotFound
	}
	b.CustomName, b.NameCustomized = nil, false
	m.batches[id] = b
	return b, nil
}

func (m *memDB) CreateJobs(_ context.Context, jobs []model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return nil
}

func (m *memDB) ListByBatch(_ context.Context, batchID uuid.UUID) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.BatchID == batchID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memDB) Reject(_ context.Context, id uuid.UUID, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.StatusQueued {
		return false, nil
	}
	j.Status, j.ErrorMessage = model.StatusFailed, message
	m.jobs[id] = j
	return true, nil
}

func (m *memDB) CountByStatus(ctx context.Context, batchID uuid.UUID) ([]model.StatusCount, error) {
	jobs, _ := m.ListByBatch(ctx, batchID)
	counts := map[model.Status]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}
	var out []model.StatusCount
	for s, n := range counts {
		out = append(out, model.StatusCount{Status: s, Count: n})
	}
	return out, nil
}

func (m *memDB) CountSince(_ context.Context, since time.Time) ([]model.StatusCount, error) {
	m.since = append(m.since, since)
	return []model.StatusCount{{Status: model.StatusCompleted, Count: 3}}, nil
}

type memPipelines map[uuid.UUID]model.Pipeline

func (m memPipelines) GetPipeline(_ context.Context, id uuid.UUID) (model.Pipeline, error) {
	p, ok := m[id]
	if !ok {
		return model.Pipeline{}, model.ErrPipelineNotFound
	}
	return p, nil
}

type memInputs struct {
	objects map[string]string
	failOn  string
}

func (m *memInputs) Save(_ context.Context, key string, src io.Reader, _ int64) error {
	if m.failOn != "" && strings.HasSuffix(key, m.failOn) {
		return errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	m.objects[key] = string(data)
	return nil
}

func (m *memInputs) DeletePrefix(_ context.Context, prefix string) error {
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

type fakeProducer struct {
	payloads []model.JobPayload
	failOn   string
}

func (p *fakeProducer) Produce(_ context.Context, payload model.JobPayload) error {
	if p.failOn != "" && payload.FileName == p.failOn {
		return errors.New("broker down")
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

// dbPurger deletes from memDB and inputs like the real purger.
type dbPurger struct {
	db     *memDB
	inputs *memInputs
	purged []string
}

func (p *dbPurger) Purge(ctx context.Context, b model.Batch) error {
	p.db.mu.Lock()
	delete(p.db.batches, b.ID)
	for id, j := range p.db.jobs {
		if j.BatchID == b.ID {
			delete(p.db.jobs, id)
		}
	}
	p.db.mu.Unlock()
	p.purged = append(p.purged, b.BaseDirectoryName)
	return p.inputs.DeletePrefix(ctx, "inputs/"+b.BaseDirectoryName+"/")
}

type nopNotifier struct{}

func (nopNotifier) JobStatus(context.Context, uuid.UUID, uuid.UUID, model.Status) {}

type fixture struct {
	svc      *Service
	db       *memDB
	inputs   *memInputs
	producer *fakeProducer
	purger   *dbPurger
	outputs  *file.Storage
	pipeline model.Pipeline
	archived model.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:       newMemDB(),
		inputs:   &memInputs{objects: map[string]string{}},
		producer: &fakeProducer{},
		outputs:  file.NewStorage(t.TempDir()),
		pipeline: model.Pipeline{ID: uuid.New(), Name: "Web", Kind: model.KindSingleAsset},
		archived: model.Pipeline{ID: uuid.New(), Name: "Old", Kind: model.KindSingleAsset, Archived: true},
	}
	f.purger = &dbPurger{db: f.db, inputs: f.inputs}

	g := batchgroup.NewGrouper(f.db, retry.Strategy{Attempts: 3, Delay: time.Millisecond, Backoff: 1})
	f.svc = NewService(g, f.db, f.db, memPipelines{f.pipeline.ID: f.pipeline, f.archived.ID: f.archived},
		f.inputs, f.outputs, f.producer, f.purger, nopNotifier{}, Limits{MaxFiles: 3, MaxFileSize: 1 << 20})

	return f
}

func uploads(names ...string) []Upload {
	out := make([]Upload, len(names))
	for i, n := range names {
		body := "data-" + n
		out[i] = Upload{Filename: n, Size: int64(len(body)), Reader: strings.NewReader(body)}
	}
	return out
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.SubmitBatch(context.Background(), Submission{
		Files:      uploads("PL-DXB191_GI_Defense_V1_SF102_Front.png", "PL-DXB191_GI_Defense_V1_SF102_Back.png"),
		PipelineID: f.pipeline.ID,
	})
	require.NoError(t, err)

	today := time.Now().UTC().Format(model.DateLayout)
	assert.Equal(t, fmt.Sprintf("PL_DXB_%s_batch-1", today), res.BaseName)
	assert.Equal(t, model.StatusQueued, res.Status)
	require.Len(t, res.JobIDs, 2)

	b := f.db.batches[res.BatchID]
	assert.Equal(t, "2-file_Render", b.RenderDescription)
	assert.Equal(t, 2, b.TotalFiles)

	require.Len(t, f.producer.payloads, 2)
	for i, p := range f.producer.payloads {
		j := f.db.jobs[p.JobID]
		assert.Equal(t, res.JobIDs[i], p.JobID)
		assert.Equal(t, model.StatusQueued, j.Status)
		assert.Equal(t, j.InputRef, p.InputRef)
		assert.Equal(t, "data-"+j.InputFilename, f.inputs.objects[j.InputRef])
		assert.True(t, strings.HasPrefix(j.InputRef, "inputs/"+res.BaseName+"/"+j.ID.String()+"/"))
	}

	second, err := f.svc.SubmitBatch(context.Background(), Submission{
		Files:       uploads("PL_DXB_other.png"),
		PipelineID:  f.pipeline.ID,
		Description: "  hero renders ",
	})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("PL_DXB_%s_batch-2", today), second.BaseName)
	assert.Equal(t, "hero renders", f.db.batches[second.BatchID].RenderDescription)
}

func TestSubmitBatchIntakeErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		sub      Submission
		sentinel error
	}{
		{"no files", Submission{PipelineID: f.pipeline.ID}, ErrNoFiles},
		{"too many files", Submission{Files: uploads("PL_A_1.png", "PL_A_2.png", "PL_A_3.png", "PL_A_4.png"), PipelineID: f.pipeline.ID}, ErrTooManyFiles},
		{"file too large", Submission{Files: []Upload{{Filename: "PL_A_1.png", Size: 2 << 20, Reader: strings.NewReader("")}}, PipelineID: f.pipeline.ID}, ErrFileTooLarge},
		{"unknown pipeline", Submission{Files: uploads("PL_A_1.png"), PipelineID: uuid.New()}, model.ErrPipelineNotFound},
		{"archived pipeline", Submission{Files: uploads("PL_A_1.png"), PipelineID: f.archived.ID}, model.ErrPipelineArchived},
		{"no prefix", Submission{Files: uploads("render.png"), PipelineID: f.pipeline.ID}, model.ErrPrefixExtraction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitBatch(context.Background(), tt.sub)
			require.Error(t, err)

			var ie *model.IntakeError
			assert.ErrorAs(t, err, &ie)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}

	assert.Empty(t, f.db.batches)
	assert.Empty(t, f.db.jobs)
	assert.Empty(t, f.inputs.objects)
	assert.Empty(t, f.producer.payloads)
}

func TestSubmitBatchEnqueueFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.producer.failOn = "PL_A_2.png"

	res, err := f.svc.SubmitBatch(context.Background(), Submission{
		Files:      uploads("PL_A_1.png", "PL_A_2.png"),
		PipelineID: f.pipeline.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)

	var failed, queued int
	for _, j := range f.db.jobs {
		switch j.Status {
		case model.StatusFailed:
			failed++
			assert.Contains(t, j.ErrorMessage, "broker down")
		case model.StatusQueued:
			queued++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, queued)
	assert.Equal(t, model.StatusFailed, f.db.batches[res.BatchID].Status)
}

func TestSubmitBatchStorageFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.inputs.failOn = "PL_A_2.png"

	_, err := f.svc.SubmitBatch(context.Background(), Submission{
		Files:      uploads("PL_A_1.png", "PL_A_2.png"),
		PipelineID: f.pipeline.ID,
	})
	require.Error(t, err)

	assert.Len(t, f.purger.purged, 1)
	assert.Empty(t, f.db.batches)
	assert.Empty(t, f.db.jobs)
	assert.Empty(t, f.inputs.objects)
	assert.Empty(t, f.producer.payloads)
}

func TestGetBatchRecomputesAggregate(t *testing.T) {
	f := newFixture(t)
	b := model.Batch{ID: uuid.New(), BaseDirectoryName: "PL_A_2025-11-05_batch-1", Status: model.StatusQueued}
	f.db.batches[b.ID] = b
	for _, st := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusProcessing} {
		j := model.Job{ID: uuid.New(), BatchID: b.ID, Status: st}
		f.db.jobs[j.ID] = j
	}

	got, err := f.svc.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Len(t, got.Jobs, 3)
	assert.Equal(t, model.StatusFailed, f.db.batches[b.ID].Status, "stale cache is rewritten")

	before := f.db.aggregates
	_, err = f.svc.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, before, f.db.aggregates, "fresh cache is left alone")

	_, err = f.svc.GetBatch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrBatchNotFound)
}

func TestRenameBatch(t *testing.T) {
	f := newFixture(t)
	b := model.Batch{ID: uuid.New(), BaseDirectoryName: "PL_A_2025-11-05_batch-1"}
	f.db.batches[b.ID] = b

	_, err := f.svc.RenameBatch(context.Background(), b.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidName)

	got, err := f.svc.RenameBatch(context.Background(), b.ID, " Spring catalogue ")
	require.NoError(t, err)
	assert.True(t, got.NameCustomized)
	assert.Equal(t, "Spring catalogue", got.DisplayName())

	got, err = f.svc.ResetBatchName(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.BaseDirectoryName, got.DisplayName())
}

func TestDeleteBatch(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.SubmitBatch(context.Background(), Submission{Files: uploads("PL_A_1.png"), PipelineID: f.pipeline.ID})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteBatch(context.Background(), res.BatchID))
	assert.Empty(t, f.db.batches)
	assert.Empty(t, f.db.jobs)
	assert.Empty(t, f.inputs.objects)

	assert.ErrorIs(t, f.svc.DeleteBatch(context.Background(), res.BatchID), model.ErrBatchNotFound)
}

func TestBatchArchive(t *testing.T) {
	f := newFixture(t)
	b := model.Batch{ID: uuid.New(), BaseDirectoryName: "PL_A_2025-11-05_batch-1"}
	f.db.batches[b.ID] = b

	_, err := f.svc.BatchArchive(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrNoOutputs)

	j := model.Job{ID: uuid.New(), BatchID: b.ID, Status: model.StatusCompleted, Outputs: []model.OutputFile{{Filename: "PL_A_1_web.png"}}}
	f.db.jobs[j.ID] = j
	_, err = f.outputs.Save(b.BaseDirectoryName, j.ID, "PL_A_1_web.png", strings.NewReader("png"))
	require.NoError(t, err)

	a, err := f.svc.BatchArchive(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "PL_A_2025-11-05_batch-1.zip", a.Name)

	var buf bytes.Buffer
	require.NoError(t, a.WriteTo(&buf))
	assert.NotZero(t, buf.Len())
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return time.Date(2025, 11, 5, 15, 30, 0, 0, time.UTC) }

	d, err := f.svc.Dashboard(context.Background())
	require.NoError(t, err)

	require.Len(t, f.db.since, 2)
	assert.Equal(t, time.Date(2025, 11, 5, 14, 30, 0, 0, time.UTC), f.db.since[0])
	assert.Equal(t, time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC), f.db.since[1])
	assert.Equal(t, 3, d.Today[0].Count)
}
