// Package offline owns the process-wide offline state: the queue of actions
// that could not complete while disconnected and the cache manifest version.
package offline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is a queued operation replayed by Flush.
type Action struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	// Attempts counts failed flush attempts.
	Attempts int `json:"attempts,omitempty"`
}

func NewAction(kind string, payload any, now time.Time) (Action, error) {
	a := Action{ID: uuid.NewString(), Kind: kind, CreatedAt: now.UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Action{}, err
		}
		a.Payload = b
	}
	return a, nil
}

// Decode unmarshals the payload into v.
func (a Action) Decode(v any) error {
	return json.Unmarshal(a.Payload, v)
}

const stateFormat = 1

// State is persisted as one JSON document.
type State struct {
	Format               int       `json:"format"`
	CacheManifestVersion string    `json:"cacheManifestVersion"`
	PendingActions       []Action  `json:"pendingActions"`
	LastSyncAt           time.Time `json:"lastSyncAt"`
}

func freshState() State {
	return State{Format: stateFormat, PendingActions: []Action{}}
}

func (s State) clone() State {
	out := s
	out.PendingActions = append([]Action{}, s.PendingActions...)
	return out
}

func encodeState(s State) ([]byte, error) {
	if s.PendingActions == nil {
		s.PendingActions = []Action{}
	}
	return json.Marshal(s)
}

func decodeState(b []byte) (State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, err
	}
	if s.Format != stateFormat {
		return State{}, fmt.Errorf("unsupported offline state format %d", s.Format)
	}
	if s.PendingActions == nil {
		s.PendingActions = []Action{}
	}
	return s, nil
}
