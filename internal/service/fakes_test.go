package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/queue"
)

// fakeTracker records progress and phase hand-offs and can simulate a
// cancellation request arriving after a number of checks.
type fakeTracker struct {
	mu          sync.Mutex
	cancelAfter int // report cancelled once this many checks have happened; 0 = never
	checks      int
	progress    []queue.Progress
	advancedTo  queue.JobType
	advancedPay any
	advancedRes *queue.Result
}

func (f *fakeTracker) CancelRequested(_ context.Context, _ uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.cancelAfter > 0 && f.checks > f.cancelAfter, nil
}

func (f *fakeTracker) UpdateProgress(_ context.Context, _ uuid.UUID, current, total int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, queue.Progress{Current: current, Total: total, Message: message})
}

func (f *fakeTracker) Advance(_ context.Context, _ uuid.UUID, newType queue.JobType, payload any, interim *queue.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advancedTo = newType
	f.advancedPay = payload
	f.advancedRes = interim
	return nil
}

// fakeRecordStore is an in-memory RecordStore.
type fakeRecordStore struct {
	mu       sync.Mutex
	rows     []db.TaskRecord
	hashes   map[string]bool
	embedded map[uuid.UUID][]float32
	embedErr map[uuid.UUID]string
	verdicts map[uuid.UUID]string
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		hashes:   make(map[string]bool),
		embedded: make(map[uuid.UUID][]float32),
		embedErr: make(map[uuid.UUID]string),
		verdicts: make(map[uuid.UUID]string),
	}
}

func (f *fakeRecordStore) add(task, response string) db.TaskRecord {
	rec := db.TaskRecord{
		ID:          uuid.New(),
		ProjectID:   "p1",
		Task:        task,
		Response:    response,
		ContentHash: contentHash(task, response),
	}
	f.rows = append(f.rows, rec)
	f.hashes[rec.ProjectID+"/"+rec.ContentHash] = true
	return rec
}

func (f *fakeRecordStore) Insert(_ context.Context, rec db.TaskRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rec.ProjectID + "/" + rec.ContentHash
	if f.hashes[key] {
		return false, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	f.hashes[key] = true
	f.rows = append(f.rows, rec)
	return true, nil
}

func (f *fakeRecordStore) ListUnembedded(_ context.Context, projectID string, limit int) ([]db.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.TaskRecord
	for _, rec := range f.rows {
		if rec.ProjectID != projectID {
			continue
		}
		if _, done := f.embedded[rec.ID]; done {
			continue
		}
		if _, failed := f.embedErr[rec.ID]; failed {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRecordStore) ListUnevaluated(_ context.Context, projectID string, limit int) ([]db.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.TaskRecord
	for _, rec := range f.rows {
		if rec.ProjectID != projectID {
			continue
		}
		if _, done := f.verdicts[rec.ID]; done {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRecordStore) SetEmbedding(_ context.Context, id uuid.UUID, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedded[id] = vec
	return nil
}

func (f *fakeRecordStore) MarkEmbedError(_ context.Context, id uuid.UUID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedErr[id] = msg
	return nil
}

func (f *fakeRecordStore) SetEvaluation(_ context.Context, id uuid.UUID, verdict string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[id] = verdict
	return nil
}

func (f *fakeRecordStore) CountByProject(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.rows {
		if rec.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

// fakeEmbedder returns fixed-size vectors and can poison specific texts or
// fail whole batches.
type fakeEmbedder struct {
	batchErr   error
	poisoned   map[string]error // by text, only hit on per-record fallback
	batchCalls int
	embedCalls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if err, ok := f.poisoned[text]; ok {
		return nil, err
	}
	return []float32{1, 2, 3}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

// fakeCompleter echoes a verdict and can fail on specific tasks.
type fakeCompleter struct {
	failing map[string]error // by task
	calls   int
}

func (f *fakeCompleter) EvaluateResponse(_ context.Context, task, response, customPrompt string) (string, error) {
	f.calls++
	if err, ok := f.failing[task]; ok {
		return "", err
	}
	if customPrompt != "" {
		return "CUSTOM|" + task, nil
	}
	return "PASS|looks good", nil
}

// processingJob builds a claimed job with the given payload.
func processingJob(jobType queue.JobType, payload any) *queue.Job {
	job := &queue.Job{
		ID:     uuid.New(),
		Type:   jobType,
		Status: queue.StatusProcessing,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	job.Payload = body
	return job
}

// taskCSV builds a CSV body with n well-formed rows.
func taskCSV(n int) string {
	var b strings.Builder
	b.WriteString("external_id,task,response\n")
	for i := range n {
		fmt.Fprintf(&b, "t-%d,label sentiment %d,positive %d\n", i, i, i)
	}
	return b.String()
}
