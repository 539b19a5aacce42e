// Package chunker splits source documents into ordered, addressable text chunks.
//
// Documents are downloaded from the object store, turned into text by an extractor chosen
// by file extension, and cut before every enumerated item ("12. ..."). The same document
// always yields the same chunks, so a chunk count recorded during analysis stays valid for
// generation.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
)

var (
	// ErrUnsupportedFormat indicates no extractor is registered for a document's extension.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrNoText indicates extraction succeeded but produced no chunkable text.
	ErrNoText = errors.New("document has no text")
)

const (
	logFmtSplitFailed = "No chunks for '%s': %v"
	logFmtSplit       = "Split '%s' into %d chunks"
)

// itemStart matches a line that begins, after optional whitespace, with "<integer>.".
// Leading whitespace includes \v and Unicode space separators such as U+00A0.
var itemStart = regexp.MustCompile(`(?m)^[\s\v\p{Zs}]*\d+\.`)

// TextExtractor turns the raw bytes of a document into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, name string, data []byte) (string, error)
}

// Chunker implements core.Splitter over an object store.
type Chunker struct {
	store      core.ObjectStore
	extractors map[string]TextExtractor
	log        *logger.Logger
}

// New creates a Chunker. Extractors are keyed by lower-case extension including the dot.
func New(store core.ObjectStore, extractors map[string]TextExtractor, log *logger.Logger) *Chunker {
	return &Chunker{
		store:      store,
		extractors: extractors,
		log:        log,
	}
}

// Split returns the chunk texts of the document at sourceRef, or nil when the document
// cannot be chunked. Failures are logged, never partially returned.
func (c *Chunker) Split(ctx context.Context, sourceRef string) []string {
	chunks, err := c.split(ctx, sourceRef)
	if err != nil {
		c.log.Warn(logFmtSplitFailed, sourceRef, err)

		return nil
	}

	c.log.Info(logFmtSplit, sourceRef, len(chunks))

	return chunks
}

func (c *Chunker) split(ctx context.Context, sourceRef string) ([]string, error) {
	ext := strings.ToLower(path.Ext(sourceRef))

	extractor, ok := c.extractors[ext]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedFormat, ext)
	}

	data, err := c.store.Download(ctx, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to download source: %w", err)
	}

	text, err := extractor.Extract(ctx, path.Base(sourceRef), data)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}

	chunks := SplitText(text)
	if len(chunks) == 0 {
		return nil, ErrNoText
	}

	return chunks, nil
}

// SplitText cuts text before every enumerated-item line, trims each piece and drops empty ones.
func SplitText(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	cuts := []int{0}

	for _, loc := range itemStart.FindAllStringIndex(text, -1) {
		if loc[0] > 0 {
			cuts = append(cuts, loc[0])
		}
	}

	cuts = append(cuts, len(text))

	var chunks []string

	for i := range len(cuts) - 1 {
		chunk := strings.TrimSpace(text[cuts[i]:cuts[i+1]])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}
