// Package ledger persists narration rows in SQLite.
//
// Writes are staged in one open transaction and become visible to other readers only at
// Flush. Reads through the Store see staged writes; reads through Committed do not.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	identitySeparator = ";"

	schema = `
CREATE TABLE IF NOT EXISTS ledger (
    source_ref TEXT PRIMARY KEY,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    audio_manifest TEXT NOT NULL DEFAULT '',
    is_complete INTEGER NOT NULL DEFAULT 0,
    group_label TEXT NOT NULL DEFAULT '',
    owner_label TEXT NOT NULL DEFAULT '',
    secret TEXT NOT NULL DEFAULT '',
    authorized_identities TEXT NOT NULL DEFAULT ''
);`

	selectAll = `SELECT source_ref, chunk_count, audio_manifest, is_complete,
       group_label, owner_label, secret, authorized_identities
FROM ledger ORDER BY rowid`

	insertRow = `INSERT INTO ledger(source_ref, chunk_count, audio_manifest, is_complete,
       group_label, owner_label, secret, authorized_identities)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_ref) DO NOTHING`

	updateProgress = `UPDATE ledger SET chunk_count = ?, audio_manifest = ?, is_complete = ?
WHERE source_ref = ?`

	updateAccess = `UPDATE ledger SET group_label = ?, owner_label = ?, secret = ?, authorized_identities = ?
WHERE source_ref = ?`
)

// Log messages.
const (
	logMsgOpened      = "Ledger opened at %s."
	logMsgFlushed     = "Ledger flushed %d staged write(s)."
	logMsgDiscardWarn = "Closing ledger with %d unflushed write(s); they are discarded."
)

var (
	// ErrRowNotFound indicates an update addressed a source ref the ledger does not hold.
	ErrRowNotFound = errors.New("ledger row not found")
	// ErrBusy indicates another connection holds the write lock, typically a running pass
	// whose staged writes are not flushed yet. The write was not staged; retry later.
	ErrBusy = errors.New("ledger is locked by another writer")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is the SQLite-backed core.Ledger.
type Store struct {
	db  *sql.DB
	log *logger.Logger

	mu     sync.Mutex
	tx     *sql.Tx
	staged int
}

// Open creates the database file and schema when needed. busyTimeout bounds how long a write
// waits for another connection's lock before failing with ErrBusy.
func Open(ctx context.Context, path string, busyTimeout time.Duration, log *logger.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		mkdirErr := os.MkdirAll(dir, 0o755)
		if mkdirErr != nil {
			return nil, fmt.Errorf("create ledger dir: %w", mkdirErr)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", pingErr)
	}

	_, schemaErr := db.ExecContext(ctx, schema)
	if schemaErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create ledger schema: %w", schemaErr)
	}

	log.Info(logMsgOpened, path)

	return &Store{db: db, log: log, mu: sync.Mutex{}, tx: nil, staged: 0}, nil
}

// ReadAll returns every row in discovery order, including staged writes.
func (s *Store) ReadAll(ctx context.Context) ([]core.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return readRows(ctx, s.current())
}

// Append inserts rows whose source ref is not yet present.
func (s *Store) Append(ctx context.Context, rows ...core.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}

	added := 0

	for _, row := range rows {
		cols, encodeErr := core.EncodeProgress(row.Progress)
		if encodeErr != nil {
			return added, fmt.Errorf("encode row %q: %w", row.SourceRef, encodeErr)
		}

		result, execErr := tx.ExecContext(ctx, insertRow,
			row.SourceRef, cols.ChunkCount, cols.Manifest, cols.IsComplete,
			row.Access.Group, row.Access.Owner, row.Access.Secret,
			strings.Join(row.Access.Identities, identitySeparator))
		if execErr != nil {
			return added, s.execFailed(fmt.Sprintf("insert row %q", row.SourceRef), execErr)
		}

		affected, _ := result.RowsAffected()
		added += int(affected)
		s.staged += int(affected)
	}

	return added, nil
}

// WriteRow stages the progress columns of row. Access columns are left alone.
func (s *Store) WriteRow(ctx context.Context, row core.Row) error {
	cols, err := core.EncodeProgress(row.Progress)
	if err != nil {
		return fmt.Errorf("encode row %q: %w", row.SourceRef, err)
	}

	return s.update(ctx, updateProgress, row.SourceRef,
		cols.ChunkCount, cols.Manifest, cols.IsComplete, row.SourceRef)
}

// SetAccess stages new serving credentials for sourceRef.
func (s *Store) SetAccess(ctx context.Context, sourceRef string, access core.AccessControl) error {
	return s.update(ctx, updateAccess, sourceRef,
		access.Group, access.Owner, access.Secret,
		strings.Join(access.Identities, identitySeparator), sourceRef)
}

// Flush commits staged writes. Flushing with nothing staged is a no-op.
func (s *Store) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}

	staged := s.staged
	commitErr := s.tx.Commit()
	s.tx = nil
	s.staged = 0

	if commitErr != nil {
		return fmt.Errorf("commit ledger: %w", commitErr)
	}

	s.log.Info(logMsgFlushed, staged)

	return nil
}

// Committed returns a reader that only sees flushed rows.
func (s *Store) Committed() *CommittedView {
	return &CommittedView{db: s.db}
}

// Close discards unflushed writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		s.log.Warn(logMsgDiscardWarn, s.staged)
		_ = s.tx.Rollback()
		s.tx = nil
	}

	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}

	return nil
}

// CommittedView reads the ledger without seeing another caller's staged writes.
type CommittedView struct {
	db *sql.DB
}

// ReadAll returns every flushed row in discovery order.
func (v *CommittedView) ReadAll(ctx context.Context) ([]core.Row, error) {
	return readRows(ctx, v.db)
}

func (s *Store) update(ctx context.Context, query, sourceRef string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	result, execErr := tx.ExecContext(ctx, query, args...)
	if execErr != nil {
		return s.execFailed(fmt.Sprintf("update row %q", sourceRef), execErr)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRowNotFound, sourceRef)
	}

	s.staged++

	return nil
}

// begin opens the staging transaction on first use. Callers hold mu. The transaction
// outlives the caller's context so a cancelled pass can still flush what it finished.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}

	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}

	s.tx = tx

	return tx, nil
}

// execFailed classifies a failed statement. On a lock conflict before anything was staged the
// transaction is dropped, since its snapshot can never be upgraded to a writer. Callers hold mu.
func (s *Store) execFailed(what string, err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code()&0xff != sqlite3.SQLITE_BUSY {
		return fmt.Errorf("%s: %w", what, err)
	}

	if s.staged == 0 && s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}

	return fmt.Errorf("%w: %s: %w", ErrBusy, what, err)
}

func (s *Store) current() querier {
	if s.tx != nil {
		return s.tx
	}

	return s.db
}

func readRows(ctx context.Context, q querier) ([]core.Row, error) {
	rows, err := q.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var result []core.Row

	for rows.Next() {
		var (
			row        core.Row
			cols       core.Columns
			identities string
		)

		scanErr := rows.Scan(&row.SourceRef, &cols.ChunkCount, &cols.Manifest, &cols.IsComplete,
			&row.Access.Group, &row.Access.Owner, &row.Access.Secret, &identities)
		if scanErr != nil {
			return nil, fmt.Errorf("scan ledger row: %w", scanErr)
		}

		row.Progress = core.DecodeProgress(cols)
		row.Access.Identities = core.ParseIdentities(identities)
		result = append(result, row)
	}

	iterErr := rows.Err()
	if iterErr != nil {
		return nil, fmt.Errorf("iterate ledger: %w", iterErr)
	}

	return result, nil
}
