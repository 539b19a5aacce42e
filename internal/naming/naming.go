// Package naming derives deterministic artifact names for chunks and resolves them against
// artifacts produced under the current and legacy naming schemes.
package naming

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/wav"
)

const (
	// MaxNameLength bounds every canonical name, extension included.
	MaxNameLength = 250
	leadingWords  = 6
	chunkSuffix   = "-chunk-"
	legacySuffix  = "_chunk_"
)

var (
	disallowedChars = regexp.MustCompile(`[^\w\s-]`)
	whitespaceRuns  = regexp.MustCompile(`\s+`)
)

// CanonicalName derives the artifact name for the chunk at ordinal (0-based) from its text.
// Chunks sharing their first six words and ordinal map to the same name.
func CanonicalName(text string, ordinal int) string {
	words := strings.Fields(text)
	if len(words) > leadingWords {
		words = words[:leadingWords]
	}

	stem := disallowedChars.ReplaceAllString(strings.Join(words, " "), "")
	stem = whitespaceRuns.ReplaceAllString(strings.TrimSpace(stem), "-")

	suffix := chunkSuffix + strconv.Itoa(ordinal+1) + wav.FILE_EXTENSION

	if room := MaxNameLength - len(suffix); len(stem) > room {
		stem = stem[:max(room, 0)]
	}

	return stem + suffix
}

// Strategy names the artifact of one chunk under one naming convention.
type Strategy func(doc core.Row, text string, ordinal int) string

// Canonical is the current naming convention.
func Canonical(_ core.Row, text string, ordinal int) string {
	return CanonicalName(text, ordinal)
}

// LegacyStem is the convention keyed by the document name without extension.
func LegacyStem(doc core.Row, _ string, ordinal int) string {
	return doc.DocumentStem() + legacySuffix + strconv.Itoa(ordinal+1) + wav.FILE_EXTENSION
}

// LegacyFullName is the oldest convention, keyed by the full document file name.
func LegacyFullName(doc core.Row, _ string, ordinal int) string {
	return doc.DocumentName() + legacySuffix + strconv.Itoa(ordinal+1) + wav.FILE_EXTENSION
}

// DefaultStrategies lists the conventions in lookup priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{Canonical, LegacyStem, LegacyFullName}
}

// Candidates applies every strategy, dropping duplicates while keeping priority order.
func Candidates(strategies []Strategy, doc core.Row, text string, ordinal int) []string {
	names := make([]string, 0, len(strategies))
	seen := make(map[string]struct{}, len(strategies))

	for _, strategy := range strategies {
		name := strategy(doc, text, ordinal)
		if _, dup := seen[name]; dup {
			continue
		}

		seen[name] = struct{}{}
		names = append(names, name)
	}

	return names
}

// Resolver looks up existing artifacts in a document's container.
type Resolver struct {
	store       core.ObjectStore
	audioPrefix string
}

// NewResolver creates a resolver over the artifacts stored below audioPrefix.
func NewResolver(store core.ObjectStore, audioPrefix string) *Resolver {
	return &Resolver{store: store, audioPrefix: audioPrefix}
}

// ArtifactKey is the object key of the artifact name inside container.
func (r *Resolver) ArtifactKey(container, name string) string {
	return path.Join(r.audioPrefix, container, name)
}

// Resolve returns the first of names that exists in container.
func (r *Resolver) Resolve(ctx context.Context, container string, names []string) (core.Object, bool, error) {
	for _, name := range names {
		key := r.ArtifactKey(container, name)

		obj, found, err := r.store.Stat(ctx, key)
		if err != nil {
			return core.Object{}, false, fmt.Errorf("failed to look up artifact '%s': %w", key, err)
		}

		if found {
			return obj, true, nil
		}
	}

	return core.Object{}, false, nil
}
