// Package output manages command output storage for sandbox executions.
//
// Outputs are classified by size: small text is returned inline, while
// anything larger is written to a file under the outputs directory and
// only a reference with a short summary line is returned. Stored files
// get four-random-word names so they are easy to mention in conversation.
package output

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jkaninda/ngome/internal/naming"
	"github.com/jkaninda/ngome/internal/observability"
)

// InlineLimit is the maximum output size shown inline, roughly what fits
// in a terminal without scrolling. Outputs exceeding this are saved to
// file and only the file path is returned.
const InlineLimit = 4000

// Content is a piece of output loadable into agent context.
type Content struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Data      string `json:"data,omitempty"`       // Base64-encoded image data.
	MediaType string `json:"media_type,omitempty"` // MIME type, e.g. "image/png".
}

// TextContent builds a text Content.
func TextContent(text string, truncated bool) *Content {
	return &Content{Type: "text", Text: text, Truncated: truncated}
}

// ImageContent builds a base64 image Content.
func ImageContent(data []byte) *Content {
	return &Content{
		Type:      "image",
		Data:      base64.StdEncoding.EncodeToString(data),
		MediaType: DetectImageMediaType(data),
	}
}

// Entry is the result of saving one command's output.
// It serializes to a flat JSON object with optional fields:
// an empty object for no output, just "content" for inline output,
// and "url" (plus an optional preview "content") for stored output.
type Entry struct {
	URL     string   `json:"url,omitempty"`     // Relative path, e.g. "outputs/purple-ocean-swift-meadow.txt".
	Content *Content `json:"content,omitempty"` // Inline content or stored-file preview.
}

// IsEmpty reports whether the entry carries no output at all.
func (e Entry) IsEmpty() bool { return e.URL == "" && e.Content == nil }

// IsStored reports whether the output was written to a file.
func (e Entry) IsStored() bool { return e.URL != "" }

// StoredPath returns the absolute path of a stored entry's file, or ""
// for inline and empty entries.
func (e Entry) StoredPath(baseDir string) string {
	if e.URL == "" {
		return ""
	}
	return filepath.Join(baseDir, strings.TrimPrefix(e.URL, "outputs/"))
}

// String renders the entry the way it is shown to the model.
func (e Entry) String() string {
	switch {
	case e.IsEmpty():
		return ""
	case e.URL == "":
		if e.Content.Type == "image" {
			return fmt.Sprintf("[Image: %s]", e.Content.MediaType)
		}
		if e.Content.Truncated {
			return e.Content.Text + "\n[truncated: full output is available in the stored file]"
		}
		return e.Content.Text
	default:
		if e.Content == nil {
			return fmt.Sprintf("[content at %s]", e.URL)
		}
		if e.Content.Type == "image" {
			return fmt.Sprintf("[Image: %s] at %s", e.Content.MediaType, e.URL)
		}
		if e.Content.Truncated {
			return fmt.Sprintf("%s\n[full content at %s; output was truncated in-chat]", e.Content.Text, e.URL)
		}
		return e.Content.Text
	}
}

// Ref is the store's internal record of a saved output.
type Ref struct {
	Entry  Entry
	Format Format
	Size   int
}

// Store manages output files for sandbox executions.
type Store struct {
	dir     string
	limit   int
	logger  *slog.Logger
	index   *Index                          // nil = no persistent index
	metrics *observability.MetricsCollector // nil = no metrics

	mu      sync.Mutex
	entries map[string]Ref
	nextID  uint64
}

// Option configures a Store.
type Option func(*Store)

// WithInlineLimit overrides the default inline size limit.
func WithInlineLimit(limit int) Option {
	return func(s *Store) { s.limit = limit }
}

// WithIndex attaches a persistent index recording every stored file.
func WithIndex(idx *Index) Option {
	return func(s *Store) { s.index = idx }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an output store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating outputs directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:     dir,
		limit:   InlineLimit,
		logger:  logger,
		entries: make(map[string]Ref),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the base directory for stored outputs.
func (s *Store) Dir() string { return s.dir }

// InlineLimit returns the size threshold under which content stays inline.
func (s *Store) InlineLimit() int { return s.limit }

// Save classifies data by size and format, writes a file when needed,
// and returns the resulting Entry. taskID associates the output with
// the execution that produced it; it may be empty.
func (s *Store) Save(ctx context.Context, data []byte, format Format, taskID string) (Entry, error) {
	entry, err := saveToDir(s.dir, data, format, s.limit)
	if err != nil {
		return Entry{}, err
	}

	resolved := format
	if resolved == FormatAuto {
		resolved = DetectFormat(data)
	}

	s.mu.Lock()
	id := fmt.Sprintf("output_%d", s.nextID)
	s.nextID++
	s.entries[id] = Ref{Entry: entry, Format: resolved, Size: len(data)}
	s.mu.Unlock()

	if entry.IsStored() {
		s.logger.Debug("saved output",
			slog.String("url", entry.URL),
			slog.Int("size", len(data)),
			slog.String("format", string(resolved)),
		)
		if s.metrics != nil {
			s.metrics.OutputsStoredTotal.WithLabelValues(string(resolved)).Inc()
			s.metrics.OutputBytesTotal.Add(float64(len(data)))
		}
		if s.index != nil {
			rec := Record{
				URL:       entry.URL,
				Format:    string(resolved),
				SizeBytes: int64(len(data)),
				Lines:     countLines(data),
				TaskID:    taskID,
			}
			if err := s.index.Put(ctx, rec); err != nil {
				s.logger.Warn("indexing output failed",
					slog.String("url", entry.URL),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return entry, nil
}

// RecordStored registers a file already written under the outputs
// directory, such as a background job's tee file, with the persistent
// index so listings and retention sweeps see it.
func (s *Store) RecordStored(ctx context.Context, url, taskID string) error {
	filename := strings.TrimPrefix(url, "outputs/")
	data, err := os.ReadFile(filepath.Join(s.dir, filename))
	if err != nil {
		return fmt.Errorf("reading stored output %s: %w", url, err)
	}

	format := DetectFormat(data)
	if s.metrics != nil {
		s.metrics.OutputsStoredTotal.WithLabelValues(string(format)).Inc()
		s.metrics.OutputBytesTotal.Add(float64(len(data)))
	}
	if s.index == nil {
		return nil
	}
	rec := Record{
		URL:       url,
		Format:    string(format),
		SizeBytes: int64(len(data)),
		Lines:     countLines(data),
		TaskID:    taskID,
	}
	if err := s.index.Put(ctx, rec); err != nil {
		return fmt.Errorf("indexing output %s: %w", url, err)
	}
	return nil
}

// Read returns the raw bytes of a stored output URL.
func (s *Store) Read(url string) ([]byte, error) {
	filename := strings.TrimPrefix(url, "outputs/")
	data, err := os.ReadFile(filepath.Join(s.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("reading output %s: %w", url, err)
	}
	return data, nil
}

// Get returns the tracked reference for an output ID.
func (s *Store) Get(id string) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entries[id]
	return ref, ok
}

// Remove deletes a stored output file. Missing files are ignored.
func (s *Store) Remove(url string) error {
	filename := strings.TrimPrefix(url, "outputs/")
	err := os.Remove(filepath.Join(s.dir, filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing output %s: %w", url, err)
	}
	return nil
}

// Cleanup deletes all files this store has written and forgets all entries.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]Ref)
	s.mu.Unlock()

	for _, ref := range entries {
		if !ref.Entry.IsStored() {
			continue
		}
		if err := s.Remove(ref.Entry.URL); err != nil {
			s.logger.Warn("failed to remove output file",
				slog.String("url", ref.Entry.URL),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// SaveToDir writes output to dir using the default inline limit, without
// tracking it in a store. Used by callers that manage their own lifecycle.
func SaveToDir(dir string, data []byte, format Format) (Entry, error) {
	return saveToDir(dir, data, format, InlineLimit)
}

func saveToDir(dir string, data []byte, format Format, limit int) (Entry, error) {
	if len(data) == 0 {
		return Entry{}, nil
	}

	if format == FormatAuto {
		format = DetectFormat(data)
	}

	// Over the limit, always store as file.
	if limit > 0 && len(data) > limit {
		return saveLarge(dir, data, format)
	}

	switch format {
	case FormatImage:
		// Small images inline as base64.
		return Entry{Content: ImageContent(data)}, nil
	case FormatVideo, FormatBinary:
		// Binary and video are always stored.
		return saveLarge(dir, data, format)
	default:
		return Entry{Content: TextContent(string(data), false)}, nil
	}
}

// saveLarge stores the full content to a file and returns only a reference.
// The model must use head/tail/grep to read the file content like a human.
func saveLarge(dir string, data []byte, format Format) (Entry, error) {
	url, err := createFile(dir, data, format)
	if err != nil {
		return Entry{}, err
	}

	var content *Content
	if format == FormatText || format == FormatAuto {
		content = TextContent(
			fmt.Sprintf("Output saved to %s (%d lines, %d bytes)", url, countLines(data), len(data)),
			true,
		)
	}
	return Entry{URL: url, Content: content}, nil
}

// createFile writes data to a four-random-word file and returns its URL.
func createFile(dir string, data []byte, format Format) (string, error) {
	filename := naming.RandomWordSlug(4) + "." + format.Extension()
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0640); err != nil {
		return "", fmt.Errorf("writing output file %s: %w", filename, err)
	}
	return "outputs/" + filename, nil
}

// countLines counts content lines the way a text editor would: a trailing
// newline does not start a new line.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
