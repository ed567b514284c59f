package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/fyrsmithlabs/lexd/internal/logging"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"go.uber.org/zap"
)

// DefaultSettleDelay is how long a file must stop changing before it is
// picked up.
const DefaultSettleDelay = 500 * time.Millisecond

var inboxNamespace = uuid.MustParse("0b6f6a52-4c1e-5d8f-9a57-2f1f3c9e8d10")

// Uploader stores document bytes and returns their URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// DocumentCreator inserts new document records.
type DocumentCreator interface {
	CreateDocument(ctx context.Context, doc store.Document) (*store.Document, error)
}

// Ingestor enqueues ingestion. *Orchestrator implements it.
type Ingestor interface {
	Ingest(ctx context.Context, documentID string) (string, error)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Dir         string
	Extensions  []string
	SettleDelay time.Duration
}

// Watcher imports files dropped into an inbox directory. A file directly in
// the directory gets no institution; a file in a subdirectory takes the
// subdirectory name as its institution. The document id is derived from
// the file content, so the same file is imported once.
type Watcher struct {
	dir      string
	exts     map[string]bool
	settle   time.Duration
	objects  Uploader
	docs     DocumentCreator
	ingestor Ingestor
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher validates cfg and creates a Watcher.
func NewWatcher(cfg WatcherConfig, objects Uploader, docs DocumentCreator, ingestor Ingestor, logger *logging.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watcher: dir is required")
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".pdf", ".txt", ".md"}
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if logger == nil {
		logger = logging.Nop()
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[strings.ToLower(e)] = true
	}
	return &Watcher{
		dir:      filepath.Clean(cfg.Dir),
		exts:     exts,
		settle:   cfg.SettleDelay,
		objects:  objects,
		docs:     docs,
		ingestor: ingestor,
		logger:   logger.Named("watcher"),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Run imports files already present, then watches for new ones until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if e.IsDir() {
			if err := fw.Add(path); err != nil {
				w.logger.Warn(ctx, "cannot watch inbox subdirectory", zap.String("path", path), zap.Error(err))
			}
			w.scanDir(ctx, path)
			continue
		}
		w.schedule(ctx, path)
	}
	w.logger.Info(ctx, "watching inbox", zap.String("dir", w.dir))

	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "fs watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// Only one level of institution subdirectories is watched.
		if filepath.Dir(ev.Name) == w.dir && ev.Has(fsnotify.Create) {
			if err := fw.Add(ev.Name); err != nil {
				w.logger.Warn(ctx, "cannot watch inbox subdirectory", zap.String("path", ev.Name), zap.Error(err))
			}
			w.scanDir(ctx, ev.Name)
		}
		return
	}
	w.schedule(ctx, ev.Name)
}

func (w *Watcher) scanDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(dir, e.Name()))
		}
	}
}

// schedule (re)starts the settle timer of path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.exts[strings.ToLower(filepath.Ext(path))] || strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		if !t.Reset(w.settle) {
			// Already fired; Reset schedules the callback once more.
			w.wg.Add(1)
		}
		return
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := w.Import(ctx, path); err != nil {
			w.logger.Error(ctx, "inbox import failed", zap.String("path", path), zap.Error(err))
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Import uploads one file, creates its pending document and enqueues
// ingestion. It returns the document id; a file imported before is left
// alone and its id returned.
func (w *Watcher) Import(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	id := uuid.NewSHA1(inboxNamespace, sum[:]).String()

	name := filepath.Base(path)
	institution := ""
	if parent := filepath.Dir(path); filepath.Clean(parent) != w.dir {
		institution = filepath.Base(parent)
	}

	key := "inbox/" + id + "/" + name
	if _, err := w.objects.Upload(ctx, key, data); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	_, err = w.docs.CreateDocument(ctx, store.Document{
		ID:          id,
		Title:       strings.TrimSuffix(name, filepath.Ext(name)),
		Institution: institution,
		FileRef:     key,
		FileName:    name,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		w.logger.Debug(ctx, "inbox file already imported",
			zap.String("path", path), zap.String("document_id", id))
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}

	if _, err := w.ingestor.Ingest(ctx, id); err != nil {
		return id, fmt.Errorf("enqueue %s: %w", id, err)
	}
	w.logger.Info(ctx, "inbox file imported",
		zap.String("path", path),
		zap.String("document_id", id),
		zap.String("sha256", hex.EncodeToString(sum[:8])),
		zap.String("institution", institution))
	return id, nil
}
