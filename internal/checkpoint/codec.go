package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const codecVersion = 1

type envelope struct {
	Version  int             `json:"v"`
	Checksum string          `json:"sha256"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode serializes a snapshot with an integrity checksum.
func Encode(snap Snapshot) ([]byte, error) {
	if snap.Task == nil {
		return nil, fmt.Errorf("snapshot has no task")
	}
	if err := snap.Task.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to save invalid task: %w", err)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	return json.Marshal(envelope{
		Version:  codecVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  payload,
	})
}

// Decode verifies and deserializes a snapshot. Every failure wraps
// ErrCorrupt.
func Decode(data []byte) (Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != codecVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Task == nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot has no task", ErrCorrupt)
	}
	if err := snap.Task.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}
