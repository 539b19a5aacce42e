// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket    string
	store     nats.ObjectStore
	urlFormat string
}

// New creates or binds the bucket. urlFormat turns an object key into its direct-download
// locator; it must contain exactly one %s verb, which receives the query-escaped key.
func New(jetstreamContext nats.JetStreamContext, bucketName, urlFormat string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket:    bucketName,
		store:     store,
		urlFormat: urlFormat,
	}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) (core.Object, error) {
	reader := bytes.NewReader(data)

	info, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, reader)
	if err != nil {
		return core.Object{}, fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return n.toObject(info), nil
}

// Stat reports whether key exists in the bucket.
func (n *NatsObjectStore) Stat(_ context.Context, key string) (core.Object, bool, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return core.Object{}, false, nil
		}

		return core.Object{}, false, fmt.Errorf("failed to stat object '%s' in bucket '%s': %w", key, n.bucket, err)
	}

	if info.Deleted {
		return core.Object{}, false, nil
	}

	return n.toObject(info), true, nil
}

// List returns the live objects whose key starts with prefix, sorted by key.
func (n *NatsObjectStore) List(_ context.Context, prefix string) ([]core.Object, error) {
	infos, err := n.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	var objects []core.Object

	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		objects = append(objects, n.toObject(info))
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	return objects, nil
}

// URL is the direct-download locator of key.
func (n *NatsObjectStore) URL(key string) string {
	return fmt.Sprintf(n.urlFormat, url.QueryEscape(key))
}

func (n *NatsObjectStore) toObject(info *nats.ObjectInfo) core.Object {
	return core.Object{
		Key:  info.Name,
		ID:   info.NUID,
		URL:  n.URL(info.Name),
		Size: info.Size,
	}
}
