package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TEIConfig configures a text-embeddings-inference client.
type TEIConfig struct {
	BaseURL string
	Model   string
	// APIKey is sent as a bearer token when set.
	APIKey  string
	Timeout time.Duration
}

// TEIService calls the TEI /embed endpoint.
type TEIService struct {
	config        TEIConfig
	client        *http.Client
	queryPrefix   string
	passagePrefix string
}

// NewTEIService creates a TEI client.
func NewTEIService(cfg TEIConfig) (*TEIService, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	q, p := instructionPrefixes(cfg.Model)
	return &TEIService{
		config:        cfg,
		client:        &http.Client{Timeout: cfg.Timeout},
		queryPrefix:   q,
		passagePrefix: p,
	}, nil
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// EmbedDocuments embeds passages.
func (s *TEIService) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = s.passagePrefix + t
	}
	return s.embed(ctx, inputs)
}

// EmbedQuery embeds a single search query.
func (s *TEIService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := s.embed(ctx, []string{s.queryPrefix + text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("tei: empty response")
	}
	return vectors[0], nil
}

func (s *TEIService) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tei: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return vectors, nil
}

// Dimension guesses the model dimension from its name.
func (s *TEIService) Dimension() int { return dimensionFromModel(s.config.Model) }

// Close is a no-op; TEI is stateless HTTP.
func (s *TEIService) Close() error { return nil }
