package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/lexd/internal/chunker"
	"github.com/fyrsmithlabs/lexd/internal/embeddings"
	"github.com/fyrsmithlabs/lexd/internal/objectstore"
	"github.com/fyrsmithlabs/lexd/internal/progress"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
	"github.com/stretchr/testify/require"
)

const testDim = 32

type testEnv struct {
	store    *store.Store
	objects  *objectstore.FSStore
	index    *vectorstore.ChromemStore
	embedder *embeddings.Client
	registry *progress.Registry
	reporter *recordingReporter
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lexd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	objects, err := objectstore.NewFSStore(t.TempDir(), "http://files.local", nil)
	require.NoError(t, err)

	index, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "test", Dimension: testDim}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	env := &testEnv{
		store:    st,
		objects:  objects,
		index:    index,
		embedder: embeddings.NewClient(embeddings.NewHashProvider(testDim), "hash", testDim),
		registry: progress.NewRegistry(nil, progress.WithRetention(0)),
		reporter: &recordingReporter{},
	}
	env.pipeline = env.newPipeline(t, env.embedder)
	return env
}

func (e *testEnv) newPipeline(t *testing.T, embedder Embedder) *Pipeline {
	t.Helper()
	c, err := chunker.New(chunker.WithSize(120), chunker.WithOverlap(30))
	require.NoError(t, err)
	p, err := NewPipeline(PipelineDeps{
		Documents: e.store,
		Objects:   e.objects,
		Chunker:   c,
		Embedder:  embedder,
		Index:     e.index,
		Reporter:  e.reporter,
	})
	require.NoError(t, err)
	return p
}

// addDocument uploads content and creates its pending record.
func (e *testEnv) addDocument(t *testing.T, id, fileName, content string) {
	t.Helper()
	ctx := context.Background()
	key := "docs/" + fileName
	_, err := e.objects.Upload(ctx, key, []byte(content))
	require.NoError(t, err)
	_, err = e.store.CreateDocument(ctx, store.Document{
		ID:          id,
		Title:       "Test " + id,
		Institution: "yargitay",
		FileRef:     key,
		FileName:    fileName,
	})
	require.NoError(t, err)
}

func (e *testEnv) status(t *testing.T, id string) store.ProcessingStatus {
	t.Helper()
	doc, err := e.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc.ProcessingStatus
}

func (e *testEnv) count(t *testing.T, id string) int {
	t.Helper()
	n, err := e.index.Count(context.Background(), id)
	require.NoError(t, err)
	return n
}

// legalText returns a few pages of plausible statute text.
func legalText(pages int) string {
	var b strings.Builder
	for p := 0; p < pages; p++ {
		if p > 0 {
			b.WriteString("\f")
		}
		b.WriteString("Madde 17 - Süreli fesih bildirimi\n")
		b.WriteString("İş sözleşmesinin feshinden önce durumun diğer tarafa bildirilmesi gerekir.\n")
		b.WriteString("Kıdem tazminatı hesaplanırken son ücret esas alınır ve yargıtay kararları dikkate alınır.\n")
		b.WriteString("Bildirim sürelerine uymayan taraf ihbar tazminatı ödemek zorundadır.\n")
	}
	return b.String()
}

type progressCall struct {
	percent int
	step    string
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []progressCall
}

func (r *recordingReporter) Progress(_ string, percent int, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, progressCall{percent, step})
	return nil
}

func (r *recordingReporter) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.step
	}
	return out
}

// failingEmbedder fails every call with err.
type failingEmbedder struct{ err error }

func (f failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

var errBackendDown = errors.New("embedding backend down")
