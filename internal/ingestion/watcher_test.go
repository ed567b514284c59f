package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIngestor struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingIngestor) Ingest(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return id, nil
}

func (r *recordingIngestor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newTestWatcher(t *testing.T, env *testEnv, dir string) (*Watcher, *recordingIngestor) {
	t.Helper()
	ingestor := &recordingIngestor{}
	w, err := NewWatcher(WatcherConfig{Dir: dir, SettleDelay: 20 * time.Millisecond}, env.objects, env.store, ingestor, nil)
	require.NoError(t, err)
	return w, ingestor
}

func TestWatcher_Import(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	w, ingestor := newTestWatcher(t, env, dir)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "danistay"), 0o755))
	path := filepath.Join(dir, "danistay", "Karar 2024-15.txt")
	require.NoError(t, os.WriteFile(path, []byte(legalText(1)), 0o644))

	id, err := w.Import(ctx, path)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := env.store.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Karar 2024-15", doc.Title)
	assert.Equal(t, "danistay", doc.Institution)
	assert.Equal(t, "Karar 2024-15.txt", doc.FileName)

	data, err := env.objects.Download(ctx, doc.FileRef)
	require.NoError(t, err)
	assert.Equal(t, legalText(1), string(data))

	// Same content again: same id, no second enqueue.
	again, err := w.Import(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, []string{id}, ingestor.ids)
}

func TestWatcher_ImportTopLevelHasNoInstitution(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	w, _ := newTestWatcher(t, env, dir)

	path := filepath.Join(dir, "genelge.md")
	require.NoError(t, os.WriteFile(path, []byte(legalText(1)), 0o644))
	id, err := w.Import(context.Background(), path)
	require.NoError(t, err)

	doc, err := env.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, doc.Institution)
}

func TestWatcher_Run(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.txt"), []byte(legalText(1)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.docx"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.txt"), []byte("ignored"), 0o644))

	w, ingestor := newTestWatcher(t, env, dir)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return ingestor.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	sub := filepath.Join(dir, "yargitay")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a moment to add the new subdirectory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "karar.txt"), []byte(legalText(2)), 0o644))

	require.Eventually(t, func() bool { return ingestor.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	docs, err := env.store.DocumentIDsByInstitution(context.Background(), "yargitay")
	require.NoError(t, err)
	assert.Empty(t, docs, "pending documents are not yet searchable")
	assert.Equal(t, 2, ingestor.count())
}

func TestNewWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{}, nil, nil, nil, nil)
	require.Error(t, err)
}
