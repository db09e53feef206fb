package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Header is the metadata block at the top of every task document.
type Header struct {
	Slug        string
	RunID       string
	RetryCount  int
	Generated   time.Time
	Placeholder bool
}

type envelope struct {
	Autopilot headerYAML `yaml:"autopilot"`
}

type headerYAML struct {
	Slug        string `yaml:"slug"`
	RunID       string `yaml:"run_id"`
	RetryCount  int    `yaml:"retry_count"`
	Generated   string `yaml:"generated"`
	Placeholder bool   `yaml:"placeholder,omitempty"`
}

const headerTimeLayout = "2006-01-02T15:04:05Z07:00"

// WriteFrontMatter renders the header and body with YAML fences.
func WriteFrontMatter(h Header, body string) (string, error) {
	if h.Slug == "" {
		return "", fmt.Errorf("artifact: header missing slug")
	}
	data, err := yaml.Marshal(envelope{Autopilot: headerYAML{
		Slug:        h.Slug,
		RunID:       h.RunID,
		RetryCount:  h.RetryCount,
		Generated:   h.Generated.UTC().Format(headerTimeLayout),
		Placeholder: h.Placeholder,
	}})
	if err != nil {
		return "", fmt.Errorf("artifact: encode frontmatter: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(body)
	return buf.String(), nil
}

// ParseFrontMatter splits a task document into its header and body.
func ParseFrontMatter(content string) (Header, string, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return Header{}, "", ErrMissingFrontMatter
	}
	meta, body, ok := strings.Cut(normalized[4:], "\n---\n")
	if !ok {
		return Header{}, "", ErrMalformedFrontMatter
	}

	var env envelope
	if err := yaml.Unmarshal([]byte(meta), &env); err != nil {
		return Header{}, "", fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	if env.Autopilot.Slug == "" {
		return Header{}, "", ErrMalformedFrontMatter
	}

	h := Header{
		Slug:        env.Autopilot.Slug,
		RunID:       env.Autopilot.RunID,
		RetryCount:  env.Autopilot.RetryCount,
		Placeholder: env.Autopilot.Placeholder,
	}
	if env.Autopilot.Generated != "" {
		t, err := time.Parse(headerTimeLayout, env.Autopilot.Generated)
		if err != nil {
			return Header{}, "", fmt.Errorf("artifact: parse generated timestamp: %w", err)
		}
		h.Generated = t.UTC()
	}
	return h, strings.TrimPrefix(body, "\n"), nil
}
