package statestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

// DatastoreStore keeps tracker state in a go-datastore.
//
// Keys:
//
//	/events/<event id>                  -> processed-at (unix ms)
//	/objects/<bucket>/<base64url(key)>  -> size in bytes
//	/deficits/<bucket>                  -> "<bytes>,<objects>"
//
// Object keys are encoded because datastore keys are cleaned like paths.
type DatastoreStore struct {
	ds datastore.Datastore
}

// NewDatastoreStore wraps ds. The store takes ownership and closes it.
func NewDatastoreStore(ds datastore.Datastore) *DatastoreStore {
	return &DatastoreStore{ds: ds}
}

// NewMemoryStore returns a DatastoreStore over a mutex-wrapped map.
func NewMemoryStore() *DatastoreStore {
	return NewDatastoreStore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func eventKey(id string) datastore.Key {
	return datastore.KeyWithNamespaces([]string{"events", id})
}

func objectKey(bucket, key string) datastore.Key {
	return datastore.KeyWithNamespaces([]string{
		"objects",
		bucket,
		base64.RawURLEncoding.EncodeToString([]byte(key)),
	})
}

// Seen implements tracker.Deduper.
func (s *DatastoreStore) Seen(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.ds.Has(ctx, eventKey(eventID))
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return ok, nil
}

// MarkSeen implements tracker.Deduper.
func (s *DatastoreStore) MarkSeen(ctx context.Context, eventID string) error {
	at := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.ds.Put(ctx, eventKey(eventID), []byte(at)); err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}

// ObjectSize implements tracker.SizeIndex.
func (s *DatastoreStore) ObjectSize(ctx context.Context, bucket, key string) (int64, bool, error) {
	v, err := s.ds.Get(ctx, objectKey(bucket, key))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup object size: %w", err)
	}
	size, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode object size for %s/%s: %w", bucket, key, err)
	}
	return size, true, nil
}

// RememberSize implements tracker.SizeIndex.
func (s *DatastoreStore) RememberSize(ctx context.Context, bucket, key string, size int64) error {
	if err := s.ds.Put(ctx, objectKey(bucket, key), []byte(strconv.FormatInt(size, 10))); err != nil {
		return fmt.Errorf("remember object size: %w", err)
	}
	return nil
}

// ForgetSize implements tracker.SizeIndex.
func (s *DatastoreStore) ForgetSize(ctx context.Context, bucket, key string) error {
	if err := s.ds.Delete(ctx, objectKey(bucket, key)); err != nil {
		return fmt.Errorf("forget object size: %w", err)
	}
	return nil
}

func deficitKey(bucket string) datastore.Key {
	return datastore.KeyWithNamespaces([]string{"deficits", bucket})
}

// Deficit implements tracker.SizeIndex.
func (s *DatastoreStore) Deficit(ctx context.Context, bucket string) (int64, int64, error) {
	v, err := s.ds.Get(ctx, deficitKey(bucket))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read bucket deficit: %w", err)
	}
	b, o, ok := strings.Cut(string(v), ",")
	if !ok {
		return 0, 0, fmt.Errorf("decode bucket deficit %q: missing separator", v)
	}
	bytes, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("decode bucket deficit bytes: %w", err)
	}
	objects, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("decode bucket deficit objects: %w", err)
	}
	return bytes, objects, nil
}

// SetDeficit implements tracker.SizeIndex. A zero deficit deletes the key.
func (s *DatastoreStore) SetDeficit(ctx context.Context, bucket string, bytes, objects int64) error {
	var err error
	if bytes == 0 && objects == 0 {
		err = s.ds.Delete(ctx, deficitKey(bucket))
	} else {
		err = s.ds.Put(ctx, deficitKey(bucket), []byte(fmt.Sprintf("%d,%d", bytes, objects)))
	}
	if err != nil {
		return fmt.Errorf("write bucket deficit: %w", err)
	}
	return nil
}

// PruneEvents implements Store.
func (s *DatastoreStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: "/events"})
	if err != nil {
		return 0, fmt.Errorf("query processed events: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return 0, fmt.Errorf("read processed events: %w", err)
	}

	limit := cutoff.UnixMilli()
	var pruned int64
	for _, e := range entries {
		at, err := strconv.ParseInt(string(e.Value), 10, 64)
		if err != nil || at >= limit {
			continue
		}
		if err := s.ds.Delete(ctx, datastore.NewKey(e.Key)); err != nil {
			return pruned, fmt.Errorf("delete processed event: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

// Close closes the datastore.
func (s *DatastoreStore) Close() error {
	return s.ds.Close()
}
