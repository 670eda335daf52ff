package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	djobs "github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/services"
	"github.com/veilhealth/veil-backend/internal/storage"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

type requeueCall struct {
	retryCount    int
	nextAttemptAt time.Time
	errMsg        string
}

// fakeStore records the terminal-state calls the runner makes.
type fakeStore struct {
	mu sync.Mutex

	completed    bool
	completedKey string
	pages        int
	entities     []*djobs.PHIEntityRecord

	failed  bool
	failMsg string

	requeues []requeueCall
}

func (f *fakeStore) CreateJob(ctx context.Context, job *djobs.DeidJob) error { return nil }
func (f *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*djobs.DeidJob, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeStore) ListJobs(ctx context.Context, status string, page, pageSize int) ([]*djobs.DeidJob, int64, error) {
	return nil, 0, nil
}
func (f *fakeStore) ClaimNextRunnable(ctx context.Context, stale time.Duration) (*djobs.DeidJob, error) {
	return nil, nil
}
func (f *fakeStore) Heartbeat(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeStore) CompleteJob(ctx context.Context, id uuid.UUID, outputKey string, pages, entitiesMasked int, processingMs int64, warnings []byte, entities []*djobs.PHIEntityRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	f.completedKey = outputKey
	f.pages = pages
	f.entities = entities
	return nil
}

func (f *fakeStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string, warnings []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
	f.failMsg = errMsg
	return nil
}

func (f *fakeStore) RequeueForRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeues = append(f.requeues, requeueCall{retryCount: retryCount, nextAttemptAt: nextAttemptAt, errMsg: errMsg})
	return nil
}

func (f *fakeStore) RequeueFailed(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeStore) ListEntities(ctx context.Context, jobID uuid.UUID) ([]*djobs.PHIEntityRecord, error) {
	return nil, nil
}

// memBucket is an in-memory storage.Bucket.
type memBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newMemBucket() *memBucket { return &memBucket{objects: map[string][]byte{}} }

func (b *memBucket) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBucket) Download(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, &deid.StorageError{Op: "download", Key: key, Err: errors.New("no such object"), NotFound: true}
	}
	return data, nil
}

func (b *memBucket) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *memBucket) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBucket) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

// scriptedPipeline returns the next scripted outcome per call.
type scriptedPipeline struct {
	mu      sync.Mutex
	calls   int
	results []*deid.Result
	errs    []error
}

func (p *scriptedPipeline) Deidentify(ctx context.Context, data []byte, opts services.DeidentifyOptions) (*deid.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	var res *deid.Result
	var err error
	if i < len(p.results) {
		res = p.results[i]
	}
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return res, err
}

func maskedResult(t *testing.T) *deid.Result {
	t.Helper()
	box, err := deid.NewBoundingBox(1, 100, 200, 50, 20)
	if err != nil {
		t.Fatalf("NewBoundingBox: %v", err)
	}
	region, err := deid.NewMaskRegion(1, box, "name", 0.9)
	if err != nil {
		t.Fatalf("NewMaskRegion: %v", err)
	}
	return &deid.Result{
		PagesProcessed: 2,
		EntitiesMasked: 1,
		MaskedBytes:    []byte("masked tiff bytes"),
		ProcessingTime: 120 * time.Millisecond,
		Matches: []deid.EntityMatch{{
			Entity:  deid.PHIEntity{Text: "John Doe", Category: "name", Offset: 8, Length: 8, Confidence: 0.9},
			Regions: []deid.MaskRegion{region},
		}},
	}
}

func newTestJob(t *testing.T) (*djobs.DeidJob, *memBucket, *memBucket) {
	t.Helper()
	phi := newMemBucket()
	clean := newMemBucket()
	job := &djobs.DeidJob{
		ID:           uuid.New(),
		Status:       djobs.StatusProcessing,
		MaskingLevel: string(deid.MaskingSafeHarbor),
		InputKey:     "input/" + uuid.NewString() + ".tiff",
	}
	phi.objects[job.InputKey] = []byte("raw phi tiff")
	return job, phi, clean
}

func TestRunCompletesAndDeletesPHIInput(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	pipeline := &scriptedPipeline{results: []*deid.Result{maskedResult(t)}}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store.completed {
		t.Fatalf("job not completed: %+v", store)
	}
	wantKey := "masked/" + job.ID.String() + ".tiff"
	if store.completedKey != wantKey {
		t.Fatalf("output key = %q, want %q", store.completedKey, wantKey)
	}
	if !clean.has(wantKey) {
		t.Fatalf("masked artifact missing from clean bucket")
	}
	if phi.has(job.InputKey) {
		t.Fatalf("raw input must be deleted after completion")
	}
	if len(store.entities) != 1 {
		t.Fatalf("want 1 entity record, got %d", len(store.entities))
	}
	rec := store.entities[0]
	if rec.JobID != job.ID || rec.Category != "name" || rec.Page != 1 || rec.BboxWidth != 50 {
		t.Fatalf("entity record wrong: %+v", rec)
	}
}

func TestRunRequeuesTransientThenCompletes(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	pipeline := &scriptedPipeline{
		results: []*deid.Result{nil, maskedResult(t)},
		errs:    []error{&deid.OCRError{Provider: "vision", Err: errors.New("503"), Retryable: true}, nil},
	}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if store.failed {
		t.Fatalf("transient failure must not fail the job")
	}
	if len(store.requeues) != 1 {
		t.Fatalf("want 1 requeue, got %d", len(store.requeues))
	}
	rq := store.requeues[0]
	if rq.retryCount != 1 {
		t.Fatalf("retry count = %d, want 1", rq.retryCount)
	}
	if !rq.nextAttemptAt.After(time.Now()) {
		t.Fatalf("next attempt must be in the future, got %s", rq.nextAttemptAt)
	}
	if !phi.has(job.InputKey) {
		t.Fatalf("raw input must survive a transient failure")
	}

	// Second delivery after the store applied the requeue.
	job.RetryCount = rq.retryCount
	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !store.completed {
		t.Fatalf("job should complete on the second attempt")
	}
	if len(store.requeues) != 1 {
		t.Fatalf("second attempt must not requeue again")
	}
}

func TestRunFailsTerminalErrorImmediately(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	pipeline := &scriptedPipeline{
		errs: []error{&deid.FormatError{Format: "pdf", Err: errors.New("encrypted")}},
	}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.requeues) != 0 {
		t.Fatalf("terminal error must not requeue")
	}
	if !store.failed {
		t.Fatalf("job should be failed")
	}
	if !phi.has(job.InputKey) {
		t.Fatalf("raw input is kept for inspection on failure")
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	job.RetryCount = 3 // MAX_RETRIES default
	pipeline := &scriptedPipeline{
		errs: []error{&deid.OCRError{Provider: "vision", Err: errors.New("503"), Retryable: true}},
	}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.requeues) != 0 {
		t.Fatalf("exhausted budget must not requeue")
	}
	if !store.failed {
		t.Fatalf("job should be failed after the last retry")
	}
}

func TestRunUnmaskedBatchesFailTheJob(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	res := maskedResult(t)
	res.UnmaskedBatches = 1
	pipeline := &scriptedPipeline{results: []*deid.Result{res}}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.completed {
		t.Fatalf("pass-through output must never complete the job")
	}
	if !store.failed {
		t.Fatalf("job should be failed")
	}
	// Output went up for operator inspection, input stays for a re-run.
	if !clean.has("masked/" + job.ID.String() + ".tiff") {
		t.Fatalf("inspection artifact missing")
	}
	if !phi.has(job.InputKey) {
		t.Fatalf("raw input must be kept")
	}
}

func TestRunRejectsUnknownMaskingLevel(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	job.MaskingLevel = "everything"
	pipeline := &scriptedPipeline{}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store.failed || len(store.requeues) != 0 {
		t.Fatalf("bad masking level must fail terminally: %+v", store)
	}
	if pipeline.calls != 0 {
		t.Fatalf("pipeline must not run for a bad level")
	}
}

func TestRunUploadFailureIsRetryable(t *testing.T) {
	store := &fakeStore{}
	job, phi, clean := newTestJob(t)
	clean.uploadErr = &deid.StorageError{Op: "upload", Key: "masked", Err: errors.New("timeout"), Retryable: true}
	pipeline := &scriptedPipeline{results: []*deid.Result{maskedResult(t)}}
	runner := NewRunner(testLogger(t), store, &storage.Pair{PHI: phi, Clean: clean}, pipeline, nil)

	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.requeues) != 1 {
		t.Fatalf("upload failure should requeue, got %+v", store)
	}
	if !phi.has(job.InputKey) {
		t.Fatalf("raw input must survive an upload failure")
	}
}
