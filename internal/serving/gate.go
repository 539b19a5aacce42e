// Package serving matches requester credentials to a ledger row and assembles the document
// and its audio manifest.
package serving

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/narration-service/internal/core"
)

var (
	// ErrNotFound covers unknown identities and wrong secrets alike.
	ErrNotFound = errors.New("no document matches these credentials")
	// ErrNotReady indicates valid credentials for a row whose audio is not finalized.
	ErrNotReady = errors.New("document audio is not ready yet")
)

// RowReader reads the current ledger rows.
type RowReader interface {
	ReadAll(ctx context.Context) ([]core.Row, error)
}

// Result is what an authorized requester receives.
type Result struct {
	Document     []byte
	DocumentName string
	Manifest     core.Manifest
}

// Gate performs the credential lookup.
type Gate struct {
	rows  RowReader
	store core.ObjectStore
}

// NewGate creates a Gate over the given rows and document store.
func NewGate(rows RowReader, store core.ObjectStore) *Gate {
	return &Gate{rows: rows, store: store}
}

// Fetch returns the first row whose secret equals the trimmed secret and whose authorized
// identities contain the normalized identity.
func (g *Gate) Fetch(ctx context.Context, identity, secret string) (Result, error) {
	identity = core.NormalizeIdentity(identity)
	secret = strings.TrimSpace(secret)

	if identity == "" || secret == "" {
		return Result{}, ErrNotFound
	}

	rows, err := g.rows.ReadAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read ledger: %w", err)
	}

	for _, row := range rows {
		if row.Access.Secret != secret || !authorized(row.Access.Identities, identity) {
			continue
		}

		manifest, ok := row.Manifest()
		if !ok {
			return Result{}, ErrNotReady
		}

		document, downloadErr := g.store.Download(ctx, row.SourceRef)
		if downloadErr != nil {
			return Result{}, fmt.Errorf("download document '%s': %w", row.SourceRef, downloadErr)
		}

		return Result{Document: document, DocumentName: row.DocumentName(), Manifest: manifest}, nil
	}

	return Result{}, ErrNotFound
}

func authorized(identities []string, identity string) bool {
	for _, candidate := range identities {
		if core.NormalizeIdentity(candidate) == identity {
			return true
		}
	}

	return false
}
