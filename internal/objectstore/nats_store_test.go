// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURLFormat = "https://files.example.com/api/artifact?key=%s"

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newTestStore(t *testing.T) *objectstore.NatsObjectStore {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-bucket", testURLFormat)
	require.NoError(t, err)

	return store
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	key := "audio/Quiz 1/1-Apple-chunk-1.wav"
	uploadData := []byte("hello world, this is a test")

	obj, err := store.Upload(ctx, key, uploadData)
	require.NoError(t, err)
	assert.Equal(t, key, obj.Key)
	assert.NotEmpty(t, obj.ID)
	assert.Equal(t, uint64(len(uploadData)), obj.Size)
	assert.Equal(t, "https://files.example.com/api/artifact?key=audio%2FQuiz+1%2F1-Apple-chunk-1.wav", obj.URL)

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
}

func TestNatsObjectStore_Stat(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Stat(ctx, "audio/missing.wav")
	require.NoError(t, err)
	assert.False(t, found)

	uploaded, err := store.Upload(ctx, "audio/present.wav", []byte("data"))
	require.NoError(t, err)

	obj, found, err := store.Stat(ctx, "audio/present.wav")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uploaded, obj)
}

func TestNatsObjectStore_List(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	objects, err := store.List(ctx, "sources/")
	require.NoError(t, err)
	assert.Empty(t, objects)

	for _, key := range []string{"sources/b.pdf", "audio/a/x.wav", "sources/a.txt"} {
		_, err = store.Upload(ctx, key, []byte(key))
		require.NoError(t, err)
	}

	objects, err = store.List(ctx, "sources/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "sources/a.txt", objects[0].Key)
	assert.Equal(t, "sources/b.pdf", objects[1].Key)
}

func TestNew_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared", testURLFormat)
	require.NoError(t, err)

	_, err = first.Upload(context.Background(), "k", []byte("v"))
	require.NoError(t, err)

	second, err := objectstore.New(jetstreamContext, "shared", testURLFormat)
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
