// Package redact masks credential-shaped values before text is persisted,
// logged or handed to a reviewer.
package redact

import (
	"regexp"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Mask replaces every detected secret.
const Mask = "***REDACTED***"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// rules cover the token shapes the executor CLIs commonly print. They run
// before the gitleaks rule set so env-style assignments keep their key name.
var rules = []rule{
	{regexp.MustCompile(`gh[op]_[a-zA-Z0-9]{36}`), Mask},
	{regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`), Mask},
	{regexp.MustCompile(`((?:COPILOT_GITHUB_TOKEN|COPILOT_TOKEN|GH_TOKEN|GITHUB_TOKEN|GITHUB_PAT|OPENAI_API_KEY|ANTHROPIC_API_KEY)=)\S*`), "${1}" + Mask},
	{regexp.MustCompile(`("token":\s*")[^"]+`), "${1}" + Mask},
}

// Redactor combines the fixed rules with the gitleaks default rule set.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a Redactor backed by the gitleaks default configuration.
func New() (*Redactor, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &Redactor{detector: d}, nil
}

// Patterns returns a Redactor that only applies the fixed rules. Used when
// the gitleaks configuration cannot be loaded.
func Patterns() *Redactor {
	return &Redactor{}
}

var (
	defaultOnce     sync.Once
	defaultRedactor *Redactor
)

// Default returns a process-wide Redactor. Building the gitleaks detector
// compiles several hundred regexes, so it happens once.
func Default() *Redactor {
	defaultOnce.Do(func() {
		r, err := New()
		if err != nil {
			r = Patterns()
		}
		defaultRedactor = r
	})
	return defaultRedactor
}

// String returns s with every secret replaced by Mask.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	for _, rl := range rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	if r == nil || r.detector == nil {
		return s
	}

	r.mu.Lock()
	findings := r.detector.DetectString(s)
	r.mu.Unlock()

	for _, f := range findings {
		secret := f.Secret
		if secret == "" || strings.Contains(Mask, secret) {
			continue
		}
		s = strings.ReplaceAll(s, secret, Mask)
	}
	return s
}

// Strings redacts every element in place and returns the slice.
func (r *Redactor) Strings(in []string) []string {
	for i := range in {
		in[i] = r.String(in[i])
	}
	return in
}

// String redacts s with the process-wide Redactor.
func String(s string) string {
	return Default().String(s)
}
