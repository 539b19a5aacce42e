package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/serving"
	"github.com/book-expert/narration-service/internal/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	rootCmd := newRootCmd()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(t.Context())

	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	names := make([]string, 0)
	for _, cmd := range newRootCmd().Commands() {
		names = append(names, cmd.Name())
	}

	for _, expected := range []string{
		"serve", "run-pass", "discover", "upload", "grant", "reanalyze",
		"encode-wav", "trigger", "fetch", "health",
	} {
		assert.Contains(t, names, expected)
	}
}

func TestEncodeWAVCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := filepath.Join(dir, "speech.pcm")
	output := filepath.Join(dir, "speech.wav")
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80}
	require.NoError(t, os.WriteFile(input, pcm, 0o600))

	out, err := execute(t, "encode-wav", "--in", input, "--out", output)
	require.NoError(t, err)
	assert.Contains(t, out, "speech.wav")

	encoded, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, wav.Encode(pcm), encoded)
}

func TestEncodeWAVCommand_MissingInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := execute(t, "encode-wav", "--in", filepath.Join(dir, "absent.pcm"), "--out", filepath.Join(dir, "x.wav"))
	require.Error(t, err)
}

func TestAccessFromFlags(t *testing.T) {
	t.Parallel()

	access, err := accessFromFlags("sources/Quiz 1.pdf", " Class A ", "Dana", " s3cret ", "ana@example.com; bo@example.com")
	require.NoError(t, err)
	assert.Equal(t, core.AccessControl{
		Group:      "Class A",
		Owner:      "Dana",
		Secret:     "s3cret",
		Identities: []string{"ana@example.com", "bo@example.com"},
	}, access)

	_, err = accessFromFlags(" ", "", "", "s3cret", "ana@example.com")
	require.ErrorIs(t, err, errSourceRequired)

	_, err = accessFromFlags("sources/Quiz 1.pdf", "", "", " ", "ana@example.com")
	require.ErrorIs(t, err, errSecretRequired)

	_, err = accessFromFlags("sources/Quiz 1.pdf", "", "", "s3cret", " ; ")
	require.ErrorIs(t, err, errSecretRequired)
}

func TestGrantCommand_ValidatesBeforeOpening(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "grant", "--config", filepath.Join(t.TempDir(), "absent.toml"), "--secret", "s")
	require.ErrorIs(t, err, errSourceRequired)
}

func TestHealthCommand(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	out, err := execute(t, "health", "--url", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, msgServiceHealthy)
}

func TestHealthCommand_Unhealthy(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	_, err := execute(t, "health", "--url", server.URL)
	require.ErrorIs(t, err, errUnhealthyStatus)
}

func fetchServer(t *testing.T, status int, response serving.FetchResponse) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request serving.FetchRequest

		if r.Method != http.MethodPost || r.URL.Path != "/api/fetch" ||
			json.NewDecoder(r.Body).Decode(&request) != nil || request.Identity == "" {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(server.Close)

	return server
}

func TestFetchCommand(t *testing.T) {
	t.Parallel()

	document := []byte("%PDF-1.4 quiz")
	manifest := core.Manifest{
		{Text: "1. Apple", AudioURL: "/api/artifact?key=audio%2FQuiz+1%2F1-Apple-chunk-1.wav", AudioFilename: "1-Apple-chunk-1.wav"},
	}
	server := fetchServer(t, http.StatusOK, serving.FetchResponse{
		Status:         serving.StatusOK,
		DocumentBase64: base64.StdEncoding.EncodeToString(document),
		DocumentName:   "Quiz 1.pdf",
		Manifest:       manifest,
	})

	dir := t.TempDir()

	out, err := execute(t, "fetch", "--url", server.URL, "--identity", "ana@example.com", "--secret", "s3cret", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1 chunk(s)")

	saved, err := os.ReadFile(filepath.Join(dir, "Quiz 1.pdf"))
	require.NoError(t, err)
	assert.Equal(t, document, saved)

	rawManifest, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)

	var savedManifest core.Manifest
	require.NoError(t, json.Unmarshal(rawManifest, &savedManifest))
	assert.Equal(t, manifest, savedManifest)
}

func TestFetchCommand_NotReady(t *testing.T) {
	t.Parallel()

	server := fetchServer(t, http.StatusConflict, serving.FetchResponse{
		Status:         serving.StatusNotReady,
		DocumentBase64: "",
		DocumentName:   "",
		Manifest:       nil,
	})

	dir := t.TempDir()

	_, err := execute(t, "fetch", "--url", server.URL, "--identity", "ana@example.com", "--secret", "s3cret", "--out", dir)
	require.ErrorIs(t, err, errFetchRejected)
	assert.Contains(t, err.Error(), serving.StatusNotReady)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestFetchCommand_CredentialsRequired(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "fetch", "--identity", "ana@example.com")
	require.ErrorIs(t, err, errCredentialsRequired)
}

var errMockWrite = errors.New("mock write error")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	return testLogger
}

func TestRetryWhileBusy(t *testing.T) {
	t.Parallel()

	busy := fmt.Errorf("%w: update row", ledger.ErrBusy)

	tests := []struct {
		name      string
		results   []error
		wait      time.Duration
		wantErr   error
		wantCalls int
	}{
		{name: "succeeds at once", results: []error{nil}, wait: time.Second, wantErr: nil, wantCalls: 1},
		{name: "succeeds once the lock is released", results: []error{busy, busy, nil}, wait: time.Second, wantErr: nil, wantCalls: 3},
		{name: "other errors are not retried", results: []error{errMockWrite}, wait: time.Second, wantErr: errMockWrite, wantCalls: 1},
		{name: "gives up when wait runs out", results: []error{busy, busy, busy}, wait: 0, wantErr: ledger.ErrBusy, wantCalls: 1},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := retryWhileBusy(context.Background(), testCase.wait, time.Millisecond, newTestLogger(t), func() error {
				result := testCase.results[calls]
				calls++

				return result
			})

			if testCase.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.wantErr)
			}

			assert.Equal(t, testCase.wantCalls, calls)
		})
	}
}

func TestRetryWhileBusy_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryWhileBusy(ctx, time.Hour, time.Minute, newTestLogger(t), func() error {
		return ledger.ErrBusy
	})
	require.ErrorIs(t, err, context.Canceled)
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

func (m *mockLedger) WriteRow(_ context.Context, row core.Row) error {
	for i := range m.rows {
		if m.rows[i].SourceRef == row.SourceRef {
			m.rows[i] = row
		}
	}

	return nil
}

func (m *mockLedger) Flush(_ context.Context) error {
	m.flushes++

	return nil
}

func TestResetRow(t *testing.T) {
	t.Parallel()

	analyzed := core.NewRow("sources/Quiz 1.pdf")
	analyzed.Progress = core.Analyzed{ChunkCount: 3}
	rows := &mockLedger{rows: []core.Row{core.NewRow("sources/other.pdf"), analyzed}, flushes: 0}

	require.NoError(t, resetRow(context.Background(), rows, "sources/Quiz 1.pdf"))
	assert.Equal(t, core.Discovered{}, rows.rows[1].Progress)
	assert.Equal(t, 1, rows.flushes)

	err := resetRow(context.Background(), rows, "sources/missing.pdf")
	require.ErrorIs(t, err, errUnknownSource)
	assert.Equal(t, 1, rows.flushes)
}
