package wheel

import (
	"fmt"
	"sync"

	"github.com/CryptoGnome/options-wheel/internal/models"
)

// Manager holds the current layer set behind a lock so the per-symbol
// workers and the order manager can read and update it concurrently.
type Manager struct {
	mu     sync.RWMutex
	layers map[string][]*models.Layer
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{layers: make(map[string][]*models.Layer)}
}

// Replace swaps in a freshly reconstructed layer set.
func (m *Manager) Replace(layers map[string][]*models.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = layers
}

// Layers returns copies of a symbol's layers, ordered by slot number.
func (m *Manager) Layers(symbol string) []*models.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.layers[symbol]
	out := make([]*models.Layer, 0, len(src))
	for _, l := range src {
		out = append(out, l.Copy())
	}
	return out
}

// Layer returns a copy of one layer by id.
func (m *Manager) Layer(symbol, layerID string) (*models.Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.layers[symbol] {
		if l.ID == layerID {
			return l.Copy(), true
		}
	}
	return nil, false
}

// Transition applies a state transition to the stored layer and validates
// the result, so state changes are serialized through the manager's lock.
func (m *Manager) Transition(symbol, layerID string, to models.LayerState, condition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.layers[symbol] {
		if l.ID == layerID {
			return l.TransitionState(to, condition)
		}
	}
	return fmt.Errorf("unknown layer %s/%s", symbol, layerID)
}

// SetLeg records a newly opened option leg on a layer.
func (m *Manager) SetLeg(symbol, layerID string, kind models.PositionKind, leg *models.OptionLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.layers[symbol] {
		if l.ID != layerID {
			continue
		}
		switch kind {
		case models.KindPut:
			l.Put = leg
		case models.KindCall:
			l.Call = leg
		default:
			return fmt.Errorf("cannot set %q leg on layer %s/%s", kind, symbol, layerID)
		}
		return nil
	}
	return fmt.Errorf("unknown layer %s/%s", symbol, layerID)
}

// Counts returns how many of a symbol's layers are in each state.
func (m *Manager) Counts(symbol string) map[models.LayerState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.LayerState]int)
	for _, l := range m.layers[symbol] {
		counts[l.State]++
	}
	return counts
}

// IdleLayers returns copies of a symbol's idle layers, lowest slot first.
func (m *Manager) IdleLayers(symbol string) []*models.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Layer
	for _, l := range m.layers[symbol] {
		if l.State == models.StateIdle {
			out = append(out, l.Copy())
		}
	}
	return out
}

// Symbols returns every symbol with at least one layer.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.layers))
	for s := range m.layers {
		out = append(out, s)
	}
	return out
}
