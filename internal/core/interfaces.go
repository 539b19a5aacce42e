// Package core defines the data model and the collaborator interfaces of the narration service.
package core

import "context"

// Object describes one stored blob.
type Object struct {
	Key  string
	ID   string
	URL  string
	Size uint64
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) (Object, error)
	// Stat reports whether key exists. A missing key is not an error.
	Stat(ctx context.Context, key string) (Object, bool, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

// Ledger is the persisted row-oriented record of every source document.
// Writes are staged until Flush.
type Ledger interface {
	ReadAll(ctx context.Context) ([]Row, error)
	// Append adds rows whose source ref is not yet present and reports how many were added.
	Append(ctx context.Context, rows ...Row) (int, error)
	WriteRow(ctx context.Context, row Row) error
	Flush(ctx context.Context) error
}

// Synthesizer turns one text chunk into raw 16-bit mono PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Splitter derives the ordered chunk texts of a source document. A nil result means no chunks.
type Splitter interface {
	Split(ctx context.Context, sourceRef string) []string
}
