package ingest

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/chunker"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/extract"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

type fakeStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*model.Document

	completedMeta map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[uuid.UUID]*model.Document)}
}

func (f *fakeStore) add(doc *model.Document) { f.docs[doc.ID] = doc }

func (f *fakeStore) GetDocument(_ context.Context, id uuid.UUID) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) ClaimProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.ProcessingStatus != model.ProcessingPending {
		return false, nil
	}
	doc.ProcessingStatus = model.ProcessingActive
	return true, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, passageCount int, meta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[id]
	doc.ProcessingStatus = model.ProcessingCompleted
	doc.PassageCount = passageCount
	f.completedMeta = meta
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[id]
	doc.ProcessingStatus = model.ProcessingFailed
	doc.ProcessingError = reason
	return nil
}

func (f *fakeStore) Requeue(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id].ProcessingStatus = model.ProcessingPending
	return nil
}

type fakeBlobs struct{ objects map[string][]byte }

func (f *fakeBlobs) Put(_ context.Context, key, _ string, r io.Reader) (*blob.PutResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	url := "gs://b/" + key
	f.objects[url] = data
	return &blob.PutResult{URL: url, Size: int64(len(data))}, nil
}

func (f *fakeBlobs) Get(_ context.Context, url string) ([]byte, error) {
	data, ok := f.objects[url]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return data, nil
}

func (f *fakeBlobs) DeleteByURL(_ context.Context, url string) error {
	delete(f.objects, url)
	return nil
}

type fakeExtractor struct {
	result *extract.Result
	err    error
}

func (f *fakeExtractor) Extract(context.Context, []byte, string) (*extract.Result, error) {
	return f.result, f.err
}

type fakeEmbedder struct {
	dim int
	err error
}

func (f *fakeEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }
func (f *fakeEmbedder) Model() string   { return "fake-embedding" }

type fakeIndex struct {
	mu        sync.Mutex
	passages  map[uuid.UUID][]vectorindex.Passage
	deletes   []uuid.UUID
	upsertErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{passages: make(map[uuid.UUID][]vectorindex.Passage)}
}

func (f *fakeIndex) EnsureCollection(context.Context) error { return nil }

func (f *fakeIndex) Upsert(_ context.Context, passages []vectorindex.Passage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, p := range passages {
		f.passages[p.DocumentID] = append(f.passages[p.DocumentID], p)
	}
	return nil
}

func (f *fakeIndex) Search(context.Context, []float32, int, *vectorindex.Filter) ([]vectorindex.Hit, error) {
	return nil, nil
}

func (f *fakeIndex) DeleteByDocument(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.passages, id)
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeIndex) CountByDocument(_ context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.passages[id]), nil
}

func (f *fakeIndex) HealthCheck(context.Context) error { return nil }
func (f *fakeIndex) Close() error                      { return nil }

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) Consume(context.Context, int, queue.Handler) error { return nil }
func (f *fakeQueue) Close() error                                      { return nil }

func sampleResult() *extract.Result {
	return &extract.Result{
		Text:       "Ödeme süresi otuz gündür. Süre uzatılabilir.",
		Confidence: 0.97,
		Method:     "document_ai",
		Pages: []extract.Page{
			{Number: 1, Lines: []extract.Line{
				{Number: 1, Text: "Ödeme süresi otuz gündür."},
				{Number: 2, Text: "Süre uzatılabilir."},
			}},
			{Number: 2, Lines: []extract.Line{
				{Number: 1, Text: "İtiraz yolu açıktır."},
			}},
		},
	}
}

type workerDeps struct {
	store *fakeStore
	blobs *fakeBlobs
	ext   *fakeExtractor
	emb   *fakeEmbedder
	index *fakeIndex
	jobs  *fakeQueue
}

func newWorker(t *testing.T, deps workerDeps) *Worker {
	t.Helper()
	if deps.store == nil {
		deps.store = newFakeStore()
	}
	if deps.blobs == nil {
		deps.blobs = &fakeBlobs{objects: map[string][]byte{}}
	}
	if deps.ext == nil {
		deps.ext = &fakeExtractor{result: sampleResult()}
	}
	if deps.emb == nil {
		deps.emb = &fakeEmbedder{dim: 4}
	}
	if deps.index == nil {
		deps.index = newFakeIndex()
	}
	if deps.jobs == nil {
		deps.jobs = &fakeQueue{}
	}
	return NewWorker(deps.store, deps.blobs, deps.ext, chunker.New(chunker.Config{TargetChars: 40, OverlapChars: 10}),
		deps.emb, deps.index, deps.jobs, Config{MaxAttempts: 3}, nil)
}

func pendingDoc(store *fakeStore, blobs *fakeBlobs) *model.Document {
	doc := &model.Document{
		ID:               uuid.New(),
		Title:            "Vergi Usul Kanunu",
		Filename:         "vuk.pdf",
		BlobURL:          "gs://b/documents/x/vuk.pdf",
		Institution:      "GİB",
		ProcessingStatus: model.ProcessingPending,
		Visibility:       model.VisibilityActive,
	}
	store.add(doc)
	blobs.objects[doc.BlobURL] = []byte("%PDF-1.4 fake")
	return doc
}

func TestHandleHappyPath(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	index := newFakeIndex()
	w := newWorker(t, workerDeps{store: store, blobs: blobs, index: index})
	doc := pendingDoc(store, blobs)

	outcome := w.Handle(context.Background(), queue.Job{DocumentID: doc.ID, Attempt: 1})
	assert.Equal(t, queue.Done, outcome)

	assert.Equal(t, model.ProcessingCompleted, doc.ProcessingStatus)
	assert.GreaterOrEqual(t, doc.PassageCount, 1)
	assert.Equal(t, "document_ai", store.completedMeta["extraction_method"])

	// Chunk indices are contiguous from zero.
	passages := index.passages[doc.ID]
	require.Len(t, passages, doc.PassageCount)
	for i, p := range passages {
		assert.Equal(t, i, p.ChunkIndex)
		assert.Len(t, p.Vector, 4)
		assert.Equal(t, "GİB", p.Institution)
	}

	// Purge ran before the upsert.
	assert.Equal(t, []uuid.UUID{doc.ID}, index.deletes)
}

func TestHandleDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	index := newFakeIndex()
	w := newWorker(t, workerDeps{store: store, blobs: blobs, index: index})
	doc := pendingDoc(store, blobs)
	job := queue.Job{DocumentID: doc.ID, Attempt: 1}

	assert.Equal(t, queue.Done, w.Handle(context.Background(), job))
	before := len(index.passages[doc.ID])

	// Second delivery finds the document no longer pending.
	assert.Equal(t, queue.Done, w.Handle(context.Background(), job))
	assert.Len(t, index.passages[doc.ID], before)
}

func TestHandleEmptyDocument(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	ext := &fakeExtractor{result: &extract.Result{
		Pages: []extract.Page{{Number: 1, Lines: []extract.Line{{Number: 1, Text: "   \t  "}}}},
	}}
	w := newWorker(t, workerDeps{store: store, blobs: blobs, ext: ext})
	doc := pendingDoc(store, blobs)

	outcome := w.Handle(context.Background(), queue.Job{DocumentID: doc.ID, Attempt: 1})
	assert.Equal(t, queue.Done, outcome)
	assert.Equal(t, model.ProcessingFailed, doc.ProcessingStatus)
	assert.Equal(t, model.FailureEmptyDocument, doc.ProcessingError)
}

func TestHandleUnreadableSource(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	ext := &fakeExtractor{err: extract.ErrUnreadable}
	w := newWorker(t, workerDeps{store: store, blobs: blobs, ext: ext})
	doc := pendingDoc(store, blobs)

	outcome := w.Handle(context.Background(), queue.Job{DocumentID: doc.ID, Attempt: 1})
	assert.Equal(t, queue.Done, outcome)
	assert.Equal(t, model.ProcessingFailed, doc.ProcessingStatus)
	assert.Equal(t, model.FailureExtractionFailed, doc.ProcessingError)
}

func TestHandleRetryableExtractFailure(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	jobs := &fakeQueue{}
	ext := &fakeExtractor{err: status.Error(grpccodes.Unavailable, "processor down")}
	w := newWorker(t, workerDeps{store: store, blobs: blobs, ext: ext, jobs: jobs})
	doc := pendingDoc(store, blobs)

	outcome := w.Handle(context.Background(), queue.Job{DocumentID: doc.ID, Attempt: 1})
	assert.Equal(t, queue.Done, outcome)

	// Claim released and a bumped-attempt job published.
	assert.Equal(t, model.ProcessingPending, doc.ProcessingStatus)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, 2, jobs.jobs[0].Attempt)
}

func TestHandleRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	jobs := &fakeQueue{}
	ext := &fakeExtractor{err: status.Error(grpccodes.Unavailable, "processor down")}
	w := newWorker(t, workerDeps{store: store, blobs: blobs, ext: ext, jobs: jobs})
	doc := pendingDoc(store, blobs)

	outcome := w.Handle(context.Background(), queue.Job{DocumentID: doc.ID, Attempt: 3})
	assert.Equal(t, queue.Done, outcome)
	assert.Equal(t, model.ProcessingFailed, doc.ProcessingStatus)
	assert.Empty(t, jobs.jobs)
}

func TestHandleDimensionMismatchFailsDocument(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	index := newFakeIndex()
	index.upsertErr = vectorindex.ErrDimensionMismatch
	w := newWorker(t, workerDeps{store: store, blobs: blobs, index: index})
	doc := pendingDoc(store, blobs)

	outcome := w.Handle(context.Background(), queue.Job{DocumentID: doc.ID, Attempt: 1})
	assert.Equal(t, queue.Done, outcome)
	assert.Equal(t, model.ProcessingFailed, doc.ProcessingStatus)
	assert.Contains(t, doc.ProcessingError, "dimension mismatch")
}

func TestReprocessReplacesPassages(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	index := newFakeIndex()
	w := newWorker(t, workerDeps{store: store, blobs: blobs, index: index})
	doc := pendingDoc(store, blobs)
	ctx := context.Background()

	require.Equal(t, queue.Done, w.Handle(ctx, queue.Job{DocumentID: doc.ID, Attempt: 1}))
	firstCount := len(index.passages[doc.ID])
	require.Positive(t, firstCount)

	// Requeue and run again; the passage set is replaced, not appended.
	require.NoError(t, store.Requeue(ctx, doc.ID))
	require.Equal(t, queue.Done, w.Handle(ctx, queue.Job{DocumentID: doc.ID, Attempt: 1}))
	assert.Len(t, index.passages[doc.ID], firstCount)
	assert.Len(t, index.deletes, 2)
}
