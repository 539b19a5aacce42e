package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrManifestEntryInvalid indicates a manifest entry without an audio locator.
var ErrManifestEntryInvalid = errors.New("manifest entry has no audio locator")

// ManifestEntry is one finalized chunk of a document.
type ManifestEntry struct {
	Text          string `json:"text"`
	AudioURL      string `json:"audioUrl"`
	AudioFilename string `json:"audioFilename"`
}

// Manifest is the ordered list of finalized chunks for a completed row.
type Manifest []ManifestEntry

// Validate ensures every entry carries a locator.
func (m Manifest) Validate() error {
	for i, entry := range m {
		if entry.AudioURL == "" {
			return fmt.Errorf("%w: entry %d", ErrManifestEntryInvalid, i)
		}
	}

	return nil
}

// Marshal serializes the manifest for the ledger's manifest column.
func (m Manifest) Marshal() (string, error) {
	data, err := json.Marshal([]ManifestEntry(m))
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	return string(data), nil
}

// ParseManifest reads a manifest column value.
func ParseManifest(raw string) (Manifest, error) {
	var entries []ManifestEntry

	err := json.Unmarshal([]byte(raw), &entries)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return Manifest(entries), nil
}

// Progress is the processing state of a row: Discovered, Analyzed or Complete.
type Progress interface {
	isProgress()
}

// Discovered rows have a source but no chunk count yet.
type Discovered struct{}

// Analyzed rows know their chunk count and are awaiting (or partway through) generation.
type Analyzed struct {
	ChunkCount int
}

// Complete rows carry a manifest with one entry per chunk.
type Complete struct {
	Manifest Manifest
}

func (Discovered) isProgress() {}
func (Analyzed) isProgress()   {}
func (Complete) isProgress()   {}

// AccessControl holds the serving credentials of a row.
type AccessControl struct {
	Group      string
	Owner      string
	Secret     string
	Identities []string
}

// Row is one source document and its processing status.
type Row struct {
	SourceRef string
	Progress  Progress
	Access    AccessControl
}

// NewRow returns a freshly discovered row for sourceRef.
func NewRow(sourceRef string) Row {
	return Row{
		SourceRef: sourceRef,
		Progress:  Discovered{},
		Access:    AccessControl{Group: "", Owner: "", Secret: "", Identities: nil},
	}
}

// ChunkCount returns the recorded chunk count, or false if the row is not analyzed.
func (r Row) ChunkCount() (int, bool) {
	switch progress := r.Progress.(type) {
	case Analyzed:
		return progress.ChunkCount, progress.ChunkCount > 0
	case Complete:
		return len(progress.Manifest), true
	default:
		return 0, false
	}
}

// IsComplete reports whether the row reached its final state.
func (r Row) IsComplete() bool {
	_, ok := r.Progress.(Complete)

	return ok
}

// Manifest returns the finalized manifest, or false when none exists.
func (r Row) Manifest() (Manifest, bool) {
	complete, ok := r.Progress.(Complete)
	if !ok {
		return nil, false
	}

	return complete.Manifest, true
}

// DocumentName is the file name of the source document.
func (r Row) DocumentName() string {
	return path.Base(r.SourceRef)
}

// DocumentStem is the document name without its extension. It names the artifact container.
func (r Row) DocumentStem() string {
	name := r.DocumentName()

	return strings.TrimSuffix(name, path.Ext(name))
}

// Columns is the flat, persisted representation of a row's progress.
type Columns struct {
	ChunkCount int
	Manifest   string
	IsComplete bool
}

// EncodeProgress flattens p into ledger columns.
func EncodeProgress(p Progress) (Columns, error) {
	switch progress := p.(type) {
	case Analyzed:
		return Columns{ChunkCount: progress.ChunkCount, Manifest: "", IsComplete: false}, nil
	case Complete:
		raw, err := progress.Manifest.Marshal()
		if err != nil {
			return Columns{}, err
		}

		return Columns{ChunkCount: len(progress.Manifest), Manifest: raw, IsComplete: true}, nil
	default:
		return Columns{ChunkCount: 0, Manifest: "", IsComplete: false}, nil
	}
}

// DecodeProgress rebuilds a Progress from ledger columns. Inconsistent columns degrade to the
// most advanced state they still justify, so a bad manifest sends the row back to generation.
func DecodeProgress(cols Columns) Progress {
	if cols.ChunkCount <= 0 {
		return Discovered{}
	}

	if cols.IsComplete && cols.Manifest != "" {
		manifest, err := ParseManifest(cols.Manifest)
		if err == nil && len(manifest) == cols.ChunkCount && manifest.Validate() == nil {
			return Complete{Manifest: manifest}
		}
	}

	return Analyzed{ChunkCount: cols.ChunkCount}
}

// ParseIdentities splits a ';' or ',' separated identity list.
func ParseIdentities(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })

	identities := make([]string, 0, len(fields))

	for _, field := range fields {
		identity := strings.TrimSpace(field)
		if identity != "" {
			identities = append(identities, identity)
		}
	}

	return identities
}

// NormalizeIdentity makes identity comparison case and whitespace insensitive.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
