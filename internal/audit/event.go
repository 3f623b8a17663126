// Package audit emits a tamper-evident, hash-chained record of every file
// whose checkpoint advanced.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	eventVersion = "1.0"
	eventType    = "file_checkpointed"
)

// Event describes one checkpointed file.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Pipeline string `json:"pipeline"`
	Prefix   string `json:"prefix"`
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	Table    string `json:"table"`
	Rows     int64  `json:"rows"`
	Skipped  int64  `json:"skipped"`
	// Outcome is "committed", "already_committed" or "quarantined".
	Outcome           string `json:"outcome"`
	CheckpointVersion int64  `json:"checkpoint_version"`

	Chain ChainInfo `json:"chain"`
}

// ChainInfo links an event to its predecessor in the same pipeline.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to.
func (e *Event) ChainKey() string {
	return e.Pipeline
}

// ComputeEventHash computes the SHA256 hash of an event over its canonical
// JSON form with event_hash cleared.
func ComputeEventHash(evt *Event) string {
	evtCopy := *evt
	evtCopy.Chain.EventHash = ""

	canonical, err := json.Marshal(evtCopy)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// seal stamps identity fields and chains evt to prevHash.
func seal(evt *Event, prevHash string, now time.Time) {
	evt.Version = eventVersion
	evt.EventType = eventType
	evt.EventID = uuid.NewString()
	evt.Timestamp = now.UTC()
	evt.SetChainHashes(prevHash)
}
