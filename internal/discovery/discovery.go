// Package discovery registers newly uploaded source documents in the ledger.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
)

const (
	logMsgDiscovered = "Discovered %d new source document(s) under '%s'."
	logMsgNewSource  = "New source document: %s"
	logMsgStemTaken  = "Skipping '%s': artifact container '%s' already belongs to '%s'."
)

// Stage appends one Discovered row per source document the ledger does not know yet.
type Stage struct {
	store  core.ObjectStore
	ledger core.Ledger
	prefix string
	log    *logger.Logger
}

// New creates a discovery stage over the objects below sourcesPrefix.
func New(store core.ObjectStore, ledger core.Ledger, sourcesPrefix string, log *logger.Logger) *Stage {
	return &Stage{store: store, ledger: ledger, prefix: sourcesPrefix, log: log}
}

// Discover appends and flushes the new rows, returning how many were added.
func (s *Stage) Discover(ctx context.Context) (int, error) {
	objects, err := s.store.List(ctx, s.listPrefix())
	if err != nil {
		return 0, fmt.Errorf("list source documents: %w", err)
	}

	rows, err := s.ledger.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read ledger: %w", err)
	}

	known := make(map[string]struct{}, len(rows)+len(objects))
	// Artifact containers are named by document stem, so each stem has one owner.
	containers := make(map[string]string, len(rows)+len(objects))

	for _, row := range rows {
		known[row.SourceRef] = struct{}{}
		containers[row.DocumentStem()] = row.SourceRef
	}

	var fresh []core.Row

	for _, obj := range objects {
		if _, seen := known[obj.Key]; seen || strings.HasSuffix(obj.Key, "/") {
			continue
		}

		row := core.NewRow(obj.Key)
		if owner, taken := containers[row.DocumentStem()]; taken {
			s.log.Warn(logMsgStemTaken, obj.Key, row.DocumentStem(), owner)

			continue
		}

		known[obj.Key] = struct{}{}
		containers[row.DocumentStem()] = obj.Key
		fresh = append(fresh, row)
		s.log.Info(logMsgNewSource, obj.Key)
	}

	if len(fresh) == 0 {
		return 0, nil
	}

	added, err := s.ledger.Append(ctx, fresh...)
	if err != nil {
		return 0, fmt.Errorf("append discovered rows: %w", err)
	}

	flushErr := s.ledger.Flush(ctx)
	if flushErr != nil {
		return 0, fmt.Errorf("flush discovered rows: %w", flushErr)
	}

	s.log.Info(logMsgDiscovered, added, s.prefix)

	return added, nil
}

func (s *Stage) listPrefix() string {
	if s.prefix == "" || strings.HasSuffix(s.prefix, "/") {
		return s.prefix
	}

	return s.prefix + "/"
}
