package serving_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/serving"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockRead = errors.New("mock ledger read error")

type mockRows struct {
	rows []core.Row
	err  error
}

func (m mockRows) ReadAll(_ context.Context) ([]core.Row, error) {
	return m.rows, m.err
}

type mockObjectStore struct {
	objects map[string][]byte
}

func (m mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}

	return data, nil
}

func (m mockObjectStore) Upload(_ context.Context, key string, _ []byte) (core.Object, error) {
	return core.Object{Key: key, ID: "", URL: "", Size: 0}, nil
}

func (m mockObjectStore) Stat(_ context.Context, key string) (core.Object, bool, error) {
	data, ok := m.objects[key]

	return core.Object{Key: key, ID: "", URL: "", Size: uint64(len(data))}, ok, nil
}

func (m mockObjectStore) List(_ context.Context, _ string) ([]core.Object, error) {
	return nil, nil
}

func testManifest() core.Manifest {
	return core.Manifest{{Text: "1. Apple", AudioURL: "/api/artifact?key=audio%2Fq%2F1-Apple-chunk-1.wav", AudioFilename: "1-Apple-chunk-1.wav"}}
}

func testRows() []core.Row {
	complete := core.Row{
		SourceRef: "sources/q.pdf",
		Progress:  core.Complete{Manifest: testManifest()},
		Access:    core.AccessControl{Group: "Period 2", Owner: "Rivera", Secret: "pw1", Identities: []string{"a@x.com"}},
	}
	pending := core.Row{
		SourceRef: "sources/r.pdf",
		Progress:  core.Analyzed{ChunkCount: 2},
		Access:    core.AccessControl{Group: "", Owner: "", Secret: "pw2", Identities: []string{" C@X.com ", "d@x.com"}},
	}

	return []core.Row{complete, pending}
}

func testStore() mockObjectStore {
	return mockObjectStore{objects: map[string][]byte{
		"sources/q.pdf":                    []byte("%PDF-q"),
		"audio/q/1-Apple-chunk-1.wav":      []byte("RIFF-audio"),
		`audio/q/Say "hi".pdf_chunk_1.wav`: []byte("RIFF-legacy"),
		"sources/secret-source-doc.pdf":    []byte("%PDF-s"),
	}}
}

func TestGate_Fetch(t *testing.T) {
	t.Parallel()

	gate := serving.NewGate(mockRows{rows: testRows(), err: nil}, testStore())

	tests := []struct {
		name     string
		identity string
		secret   string
		wantErr  error
	}{
		{name: "normalized identity and trimmed secret", identity: "A@X.com", secret: " pw1", wantErr: nil},
		{name: "unknown identity", identity: "b@x.com", secret: "pw1", wantErr: serving.ErrNotFound},
		{name: "wrong secret", identity: "a@x.com", secret: "pw2", wantErr: serving.ErrNotFound},
		{name: "secret is case sensitive", identity: "a@x.com", secret: "PW1", wantErr: serving.ErrNotFound},
		{name: "empty secret", identity: "a@x.com", secret: "  ", wantErr: serving.ErrNotFound},
		{name: "no manifest yet", identity: "c@x.com", secret: "pw2", wantErr: serving.ErrNotReady},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result, err := gate.Fetch(context.Background(), testCase.identity, testCase.secret)
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, []byte("%PDF-q"), result.Document)
			assert.Equal(t, "q.pdf", result.DocumentName)
			assert.Equal(t, testManifest(), result.Manifest)
		})
	}
}

func TestGate_FetchLedgerFailure(t *testing.T) {
	t.Parallel()

	gate := serving.NewGate(mockRows{rows: nil, err: errMockRead}, testStore())

	_, err := gate.Fetch(context.Background(), "a@x.com", "pw1")
	require.ErrorIs(t, err, errMockRead)
}

func newTestHandler(t *testing.T, rows mockRows) *serving.Handler {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("narration_passes_total 1\n"))
	})

	return serving.NewHandler(serving.NewGate(rows, testStore()), testStore(), "audio", metrics, log)
}

func postFetch(t *testing.T, handler http.Handler, body string) (int, serving.FetchResponse) {
	t.Helper()

	request := httptest.NewRequest(http.MethodPost, "/api/fetch", bytes.NewBufferString(body))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	var response serving.FetchResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))

	return recorder.Code, response
}

func TestHandler_Fetch(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, mockRows{rows: testRows(), err: nil})

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStatus string
	}{
		{name: "ok", body: `{"identity":"A@X.com","secret":" pw1"}`, wantCode: http.StatusOK, wantStatus: serving.StatusOK},
		{name: "not found", body: `{"identity":"b@x.com","secret":"pw1"}`, wantCode: http.StatusNotFound, wantStatus: serving.StatusNotFound},
		{name: "not ready", body: `{"identity":"d@x.com","secret":"pw2"}`, wantCode: http.StatusConflict, wantStatus: serving.StatusNotReady},
		{name: "malformed body", body: `{"identity":`, wantCode: http.StatusBadRequest, wantStatus: serving.StatusBadRequest},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			code, response := postFetch(t, handler, testCase.body)
			assert.Equal(t, testCase.wantCode, code)
			assert.Equal(t, testCase.wantStatus, response.Status)

			if testCase.wantStatus == serving.StatusOK {
				assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-q")), response.DocumentBase64)
				assert.Equal(t, "q.pdf", response.DocumentName)
				assert.Equal(t, testManifest(), response.Manifest)
			} else {
				assert.Empty(t, response.DocumentBase64)
				assert.Nil(t, response.Manifest)
			}
		})
	}
}

func TestHandler_FetchInternalError(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, mockRows{rows: nil, err: errMockRead})

	code, response := postFetch(t, handler, `{"identity":"a@x.com","secret":"pw1"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, serving.StatusError, response.Status)
}

func TestHandler_Artifact(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, mockRows{rows: testRows(), err: nil})

	tests := []struct {
		name     string
		target   string
		wantCode int
	}{
		{name: "audio artifact", target: "/api/artifact?key=audio%2Fq%2F1-Apple-chunk-1.wav", wantCode: http.StatusOK},
		{name: "missing artifact", target: "/api/artifact?key=audio%2Fq%2Fnope.wav", wantCode: http.StatusNotFound},
		{name: "source documents are not exposed", target: "/api/artifact?key=sources%2Fsecret-source-doc.pdf", wantCode: http.StatusNotFound},
		{name: "path traversal", target: "/api/artifact?key=audio%2F..%2Fsources%2Fq.pdf", wantCode: http.StatusNotFound},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, testCase.target, nil))

			assert.Equal(t, testCase.wantCode, recorder.Code)

			if testCase.wantCode == http.StatusOK {
				assert.Equal(t, "audio/wav", recorder.Header().Get("Content-Type"))
				assert.Equal(t, "RIFF-audio", recorder.Body.String())
			}
		})
	}
}

func TestHandler_ArtifactFilenameIsQuoted(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, mockRows{rows: nil, err: nil})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet,
		"/api/artifact?key=audio%2Fq%2FSay+%22hi%22.pdf_chunk_1.wav", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	disposition, params, err := mime.ParseMediaType(recorder.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "inline", disposition)
	assert.Equal(t, `Say "hi".pdf_chunk_1.wav`, params["filename"])
	assert.Equal(t, "RIFF-legacy", recorder.Body.String())
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, mockRows{rows: nil, err: nil})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", recorder.Body.String())

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "narration_passes_total")
}
