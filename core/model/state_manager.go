// Package model provides the weights file format, gob persistence helpers
// and build-phase tracking shared by models.
package model

import (
	"fmt"
	"sync"
)

// Phase is a model construction phase. Phases only move forward.
type Phase int

const (
	// Declared: graph known, shape-dependent parameters not allocated.
	Declared Phase = iota
	// Materialized: one forward pass fixed every parameter shape.
	Materialized
	// Loaded: pretrained weights were copied in.
	Loaded
)

func (p Phase) String() string {
	switch p {
	case Declared:
		return "declared"
	case Materialized:
		return "materialized"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StateManager tracks the construction phase of a model and the input
// width fixed at materialization. Safe for concurrent use.
type StateManager struct {
	mu       sync.RWMutex
	phase    Phase
	inputDim int
}

func NewStateManager() *StateManager {
	return &StateManager{phase: Declared}
}

// Phase returns the current phase.
func (s *StateManager) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Advance moves to next. Moving backwards or staying put is an error.
func (s *StateManager) Advance(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next <= s.phase {
		return fmt.Errorf("cannot move from %s to %s", s.phase, next)
	}
	s.phase = next
	return nil
}

// AtLeast reports whether the model reached p.
func (s *StateManager) AtLeast(p Phase) bool {
	return s.Phase() >= p
}

// SetInputDim records the input width seen at materialization.
func (s *StateManager) SetInputDim(d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputDim = d
}

// InputDim returns the width recorded by SetInputDim.
func (s *StateManager) InputDim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputDim
}

// Restore forces the phase and input width, used when loading a checkpoint.
func (s *StateManager) Restore(p Phase, inputDim int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.inputDim = inputDim
}
