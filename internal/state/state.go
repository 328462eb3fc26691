// Package state holds the desired configuration applied so far and the restart flag
// shared between the twin reconciler and the inference relay.
package state

import (
	"sync"
	"sync/atomic"

	"vision-edge/internal/models"
)

// Snapshot is a copy of the applied configuration at one point in time
type Snapshot struct {
	ModelURL         string
	LabelURL         string
	ConfigURL        string
	FreqToSendMsg    int
	ObjectOfInterest string
	RestartRequired  bool
}

// State is safe for concurrent use. Configuration fields are written by the reconciler
// only; the restart flag is set by the reconciler and taken by the relay.
type State struct {
	mu               sync.RWMutex
	modelURL         string
	labelURL         string
	configURL        string
	freqToSendMsg    int
	objectOfInterest string

	restartRequired atomic.Bool
}

// New returns a state initialised with the defaults
func New() *State {
	return &State{
		freqToSendMsg:    models.DefaultFreqToSendMsg,
		objectOfInterest: models.DefaultObjectOfInterest,
	}
}

// Snapshot returns a consistent copy of the current values
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		ModelURL:         s.modelURL,
		LabelURL:         s.labelURL,
		ConfigURL:        s.configURL,
		FreqToSendMsg:    s.freqToSendMsg,
		ObjectOfInterest: s.objectOfInterest,
		RestartRequired:  s.restartRequired.Load(),
	}
}

// SetURL stores the last applied value of one of the URL properties.
// It reports false for an unknown field name.
func (s *State) SetURL(field, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch field {
	case models.FieldModelURL:
		s.modelURL = value
	case models.FieldLabelURL:
		s.labelURL = value
	case models.FieldConfigURL:
		s.configURL = value
	default:
		return false
	}
	return true
}

func (s *State) SetFreqToSendMsg(freq int) {
	s.mu.Lock()
	s.freqToSendMsg = freq
	s.mu.Unlock()
}

func (s *State) SetObjectOfInterest(object string) {
	s.mu.Lock()
	s.objectOfInterest = object
	s.mu.Unlock()
}

// RequestRestart marks the camera session as stale
func (s *State) RequestRestart() {
	s.restartRequired.Store(true)
}

// RestartRequired reports the flag without clearing it
func (s *State) RestartRequired() bool {
	return s.restartRequired.Load()
}

// TakeRestart clears the flag and reports whether it was set. A request that arrives
// after the call is kept for the next one.
func (s *State) TakeRestart() bool {
	return s.restartRequired.CompareAndSwap(true, false)
}
