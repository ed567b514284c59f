package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/chunker"
	"github.com/fyrsmithlabs/lexd/internal/parser"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("lexd.ingestion")

// Steps and the completion percentage reported once each one starts.
const (
	StepDownload = "download"
	StepExtract  = "extract"
	StepChunk    = "chunk"
	StepEmbed    = "embed"
	StepIndex    = "index"
	StepDone     = "done"
)

var stepPercent = map[string]int{
	StepDownload: 10,
	StepExtract:  30,
	StepChunk:    45,
	StepEmbed:    70,
	StepIndex:    90,
	StepDone:     100,
}

// DocumentStore is the durable document state the pipeline reads and
// mutates.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	MarkProcessing(ctx context.Context, id string) (int, error)
	MarkCompleted(ctx context.Context, id string, chunkCount int) error
	MarkFailed(ctx context.Context, id, message string) error
}

// Downloader fetches document bytes.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Embedder turns chunk texts into vectors of a fixed dimension.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer replaces a document's chunks in the vector index.
type Indexer interface {
	BulkIndex(ctx context.Context, documentID string, chunks []vectorstore.Chunk) ([]string, error)
}

// Reporter receives step progress.
type Reporter interface {
	Progress(taskID string, percent int, step string) error
}

// Result summarizes a successful attempt.
type Result struct {
	DocumentID string
	Attempt    int
	Pages      int
	Chunks     int
	Duration   time.Duration
}

// Pipeline runs one ingestion attempt for a document.
type Pipeline struct {
	docs     DocumentStore
	objects  Downloader
	parser   *parser.Parser
	chunker  *chunker.Chunker
	embedder Embedder
	index    Indexer
	reporter Reporter
	logger   *zap.Logger
}

// PipelineDeps are the collaborators of a Pipeline. Reporter and Logger are
// optional.
type PipelineDeps struct {
	Documents DocumentStore
	Objects   Downloader
	Parser    *parser.Parser
	Chunker   *chunker.Chunker
	Embedder  Embedder
	Index     Indexer
	Reporter  Reporter
	Logger    *zap.Logger
}

// NewPipeline validates deps and builds a Pipeline.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Documents == nil || deps.Objects == nil || deps.Embedder == nil || deps.Index == nil {
		return nil, errors.New("ingestion pipeline: documents, objects, embedder and index are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Parser == nil {
		deps.Parser = parser.New(deps.Logger)
	}
	if deps.Chunker == nil {
		c, err := chunker.New()
		if err != nil {
			return nil, err
		}
		deps.Chunker = c
	}
	return &Pipeline{
		docs:     deps.Documents,
		objects:  deps.Objects,
		parser:   deps.Parser,
		chunker:  deps.Chunker,
		embedder: deps.Embedder,
		index:    deps.Index,
		reporter: deps.Reporter,
		logger:   deps.Logger,
	}, nil
}

// Run performs one attempt: mark processing, download, extract, chunk,
// embed, index and mark completed. A failure is recorded on the document
// unless ctx was cancelled, in which case the document stays processing
// for startup recovery to pick up.
func (p *Pipeline) Run(ctx context.Context, documentID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingestion.Run", trace.WithAttributes(attribute.String("document_id", documentID)))
	defer span.End()
	start := time.Now()

	doc, err := p.docs.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentMissing, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	attempt, err := p.docs.MarkProcessing(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	res, err := p.run(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			if markErr := p.docs.MarkFailed(context.WithoutCancel(ctx), documentID, err.Error()); markErr != nil {
				p.logger.Error("recording ingestion failure",
					zap.String("document_id", documentID), zap.Error(markErr))
			}
		}
		return nil, err
	}

	if err := p.docs.MarkCompleted(ctx, documentID, res.Chunks); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	p.report(documentID, StepDone)

	res.Attempt = attempt
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("chunks", res.Chunks), attribute.Int("attempt", attempt))
	p.logger.Info("document ingested",
		zap.String("document_id", documentID),
		zap.Int("attempt", attempt),
		zap.Int("pages", res.Pages),
		zap.Int("chunks", res.Chunks),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, doc *store.Document) (*Result, error) {
	p.report(doc.ID, StepDownload)
	data, err := p.objects.Download(ctx, doc.FileRef)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", doc.FileRef, err)
	}

	p.report(doc.ID, StepExtract)
	name := doc.FileName
	if name == "" {
		name = doc.FileRef
	}
	pages, err := p.parser.Parse(ctx, name, data)
	if err != nil {
		return nil, err
	}

	p.report(doc.ID, StepChunk)
	pieces, err := p.chunker.Split(pages)
	if err != nil {
		return nil, err
	}

	p.report(doc.ID, StepEmbed)
	texts := make([]string, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(pieces))
	}

	p.report(doc.ID, StepIndex)
	terms := strings.Join(parser.DetectTerms(pages), ",")
	chunks := make([]vectorstore.Chunk, len(pieces))
	for i, c := range pieces {
		meta := map[string]string{"file_name": doc.FileName}
		if doc.Category != "" {
			meta["category"] = doc.Category
		}
		if terms != "" {
			meta["terms"] = terms
		}
		if c.PageEnd != c.PageNumber {
			meta["page_end"] = fmt.Sprint(c.PageEnd)
			meta["page_end_line"] = fmt.Sprint(c.PageEndLine)
		}
		chunks[i] = vectorstore.Chunk{
			DocumentID:  doc.ID,
			Index:       c.Index,
			Content:     c.Content,
			Vector:      vectors[i],
			PageNumber:  c.PageNumber,
			LineStart:   c.LineStart,
			LineEnd:     c.LineEnd,
			Institution: doc.Institution,
			Title:       doc.Title,
			Metadata:    meta,
		}
	}
	if _, err := p.index.BulkIndex(ctx, doc.ID, chunks); err != nil {
		return nil, fmt.Errorf("index chunks: %w", err)
	}

	return &Result{DocumentID: doc.ID, Pages: len(pages), Chunks: len(chunks)}, nil
}

func (p *Pipeline) report(documentID, step string) {
	if p.reporter == nil {
		return
	}
	if err := p.reporter.Progress(documentID, stepPercent[step], step); err != nil {
		p.logger.Debug("progress update dropped",
			zap.String("document_id", documentID), zap.String("step", step), zap.Error(err))
	}
}
