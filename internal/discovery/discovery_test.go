package discovery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockList = errors.New("mock list error")

type mockObjectStore struct {
	keys    []string
	listErr error
	listed  string
}

func (m *mockObjectStore) Download(_ context.Context, _ string) ([]byte, error) { return nil, nil }

func (m *mockObjectStore) Upload(_ context.Context, key string, _ []byte) (core.Object, error) {
	return core.Object{Key: key, ID: "", URL: "", Size: 0}, nil
}

func (m *mockObjectStore) Stat(_ context.Context, _ string) (core.Object, bool, error) {
	return core.Object{}, false, nil
}

func (m *mockObjectStore) List(_ context.Context, prefix string) ([]core.Object, error) {
	m.listed = prefix

	if m.listErr != nil {
		return nil, m.listErr
	}

	objects := make([]core.Object, 0, len(m.keys))
	for _, key := range m.keys {
		objects = append(objects, core.Object{Key: key, ID: "", URL: "", Size: 1})
	}

	return objects, nil
}

type mockLedger struct {
	rows    []core.Row
	flushes int
}

func (m *mockLedger) ReadAll(_ context.Context) ([]core.Row, error) { return m.rows, nil }

func (m *mockLedger) Append(_ context.Context, rows ...core.Row) (int, error) {
	m.rows = append(m.rows, rows...)

	return len(rows), nil
}

func (m *mockLedger) WriteRow(_ context.Context, _ core.Row) error { return nil }

func (m *mockLedger) Flush(_ context.Context) error {
	m.flushes++

	return nil
}

func newStage(t *testing.T, store *mockObjectStore, ledger *mockLedger) *discovery.Stage {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	return discovery.New(store, ledger, "sources", log)
}

func TestDiscover_AppendsOnlyUnseenDocuments(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{keys: []string{"sources/a.pdf", "sources/b.pdf", "sources/b.pdf", "sources/"}, listErr: nil, listed: ""}
	ledger := &mockLedger{rows: []core.Row{core.NewRow("sources/a.pdf")}, flushes: 0}
	stage := newStage(t, store, ledger)

	added, err := stage.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, added)
	assert.Equal(t, "sources/", store.listed)
	require.Len(t, ledger.rows, 2)
	assert.Equal(t, core.NewRow("sources/b.pdf"), ledger.rows[1])
	assert.Equal(t, 1, ledger.flushes)
}

func TestDiscover_IsIdempotent(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{keys: []string{"sources/a.pdf", "sources/b.pdf"}, listErr: nil, listed: ""}
	ledger := &mockLedger{rows: nil, flushes: 0}
	stage := newStage(t, store, ledger)

	added, err := stage.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = stage.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Len(t, ledger.rows, 2)
	assert.Equal(t, 1, ledger.flushes)
}

func TestDiscover_ListFailure(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{keys: nil, listErr: errMockList, listed: ""}
	ledger := &mockLedger{rows: nil, flushes: 0}

	_, err := newStage(t, store, ledger).Discover(context.Background())
	require.ErrorIs(t, err, errMockList)
	assert.Empty(t, ledger.rows)
}

func TestDiscover_SkipsDocumentsSharingAStem(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{
		keys: []string{
			"sources/Quiz.docx",
			"sources/Quiz.pdf",
			"sources/a/Test.pdf",
			"sources/b/Test.pdf",
			"sources/Unique.txt",
		},
		listErr: nil,
		listed:  "",
	}
	ledger := &mockLedger{rows: []core.Row{core.NewRow("sources/archive/Quiz.md")}, flushes: 0}
	stage := newStage(t, store, ledger)

	added, err := stage.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	refs := make([]string, 0, len(ledger.rows))
	for _, row := range ledger.rows {
		refs = append(refs, row.SourceRef)
	}

	assert.Equal(t, []string{"sources/archive/Quiz.md", "sources/a/Test.pdf", "sources/Unique.txt"}, refs)

	added, err = stage.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}
