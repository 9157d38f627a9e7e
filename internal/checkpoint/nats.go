package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultBucket is the JetStream key-value bucket used when none is given.
const DefaultBucket = "orbit_checkpoints"

// NATSConfig configures the JetStream key-value backend.
type NATSConfig struct {
	Bucket string `koanf:"bucket"`
	// History is the number of generations JetStream retains per task.
	History uint8 `koanf:"history"`
}

// NATSStore keeps one key per task in a JetStream key-value bucket.
// Earlier generations survive as key history.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore binds to (or creates) the bucket on nc.
func NewNATSStore(nc *nats.Conn, cfg NATSConfig) (*NATSStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.History == 0 {
		cfg.History = 16
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "orbit task checkpoints",
			History:     cfg.History,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind checkpoint bucket %s: %w", cfg.Bucket, err)
	}
	return &NATSStore{kv: kv}, nil
}

func natsKey(taskID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(taskID))
}

// Save implements Store. With a Revision from Load the write is a
// compare-and-set on that revision, so a writer that loaded an older
// revision gets ErrConflict. Without one it is a compare-and-set on the
// revision read here. Either way an older generation than the stored one
// is rejected with ErrStale.
func (s *NATSStore) Save(_ context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	key := natsKey(snap.Task.ID)
	entry, err := s.kv.Get(key)
	switch {
	case errors.Is(err, nats.ErrKeyNotFound):
		if snap.Revision != 0 {
			return fmt.Errorf("%w: %s was removed", ErrConflict, snap.Task.ID)
		}
		if _, err := s.kv.Create(key, data); err != nil {
			return natsSaveErr(snap, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("save checkpoint %s: %w", snap.Task.ID, err)
	}

	if current, err := Decode(entry.Value()); err == nil && current.Task.Generation > snap.Task.Generation {
		return fmt.Errorf("%w: %s has generation %d, got %d",
			ErrStale, snap.Task.ID, current.Task.Generation, snap.Task.Generation)
	}
	revision := entry.Revision()
	if snap.Revision != 0 && snap.Revision != revision {
		return fmt.Errorf("%w: %s is at revision %d, loaded %d",
			ErrConflict, snap.Task.ID, revision, snap.Revision)
	}
	if _, err := s.kv.Update(key, data, revision); err != nil {
		return natsSaveErr(snap, err)
	}
	return nil
}

func natsSaveErr(snap Snapshot, err error) error {
	if errors.Is(err, nats.ErrKeyExists) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, snap.Task.ID, err)
	}
	return fmt.Errorf("save checkpoint %s: %w", snap.Task.ID, err)
}

// Load implements Store.
func (s *NATSStore) Load(_ context.Context, taskID string) (Snapshot, error) {
	entry, err := s.kv.Get(natsKey(taskID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w", taskID, err)
	}
	snap, err := Decode(entry.Value())
	if err != nil {
		return Snapshot{}, err
	}
	snap.Revision = entry.Revision()
	return snap, nil
}

// List implements Store by scanning every key in the bucket.
func (s *NATSStore) List(_ context.Context, userID string) ([]Summary, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Summary
	for _, key := range keys {
		entry, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		snap, err := Decode(entry.Value())
		if err != nil || snap.Task.UserID != userID {
			continue
		}
		out = append(out, summarize(snap.Task))
	}
	sortSummaries(out)
	return out, nil
}

// Close implements Store. The connection belongs to the caller.
func (s *NATSStore) Close() error { return nil }
