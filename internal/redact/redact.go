// Package redact removes secrets from text before it leaves the process,
// using the gitleaks rule set.
package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/config"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Redactor detects and masks secrets. The zero value and a nil *Redactor
// pass text through unchanged.
type Redactor struct {
	cfg    *gitleaksConfig.Config
	logger *zap.Logger
}

// New builds a Redactor from cfg. A disabled config yields a pass-through
// Redactor. A missing allowlist file is ignored; an invalid one is an error.
func New(cfg config.RedactionConfig, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Redactor{logger: logger}, nil
	}

	// Loading the default rule set is expensive; keep the parsed config and
	// build a cheap detector per call.
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	gcfg := base.Config

	if cfg.AllowlistPath != "" {
		patterns, err := LoadAllowlist(cfg.AllowlistPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if len(patterns) > 0 {
			applyAllowlist(&gcfg, patterns)
			logger.Info("redaction allowlist loaded",
				zap.String("path", cfg.AllowlistPath), zap.Int("patterns", len(patterns)))
		}
	}
	return &Redactor{cfg: &gcfg, logger: logger}, nil
}

// Enabled reports whether the redactor scans anything.
func (r *Redactor) Enabled() bool { return r != nil && r.cfg != nil }

// Detect returns the secrets found in text.
func (r *Redactor) Detect(text string) []Finding {
	if !r.Enabled() || text == "" {
		return nil
	}
	found := detect.NewDetector(*r.cfg).DetectString(text)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out
}

// Redact replaces every detected secret with a [REDACTED:<rule>] marker
// and returns the findings.
func (r *Redactor) Redact(text string) (string, []Finding) {
	findings := r.Detect(text)
	if len(findings) == 0 {
		return text, nil
	}
	// Longest first, so a secret containing another is masked whole.
	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i].Match) > len(ordered[j].Match) })
	for _, f := range ordered {
		if f.Match == "" {
			continue
		}
		text = strings.ReplaceAll(text, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	r.logger.Warn("secrets redacted from outbound text", zap.Int("count", len(findings)))
	return text, findings
}

// String is Redact without the findings.
func (r *Redactor) String(text string) string {
	out, _ := r.Redact(text)
	return out
}

// LoadAllowlist reads content patterns from a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ["EXAMPLE[0-9]+"]
func LoadAllowlist(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: '%s' in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return file.Allowlist.Regexes, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, patterns []string) {
	allow := &gitleaksConfig.Allowlist{Description: "lexd redaction allowlist"}
	for _, p := range patterns {
		// Validated in LoadAllowlist.
		allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	cfg.Allowlists = append(cfg.Allowlists, allow)
}
