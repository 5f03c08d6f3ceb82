package copilot

import (
	"strings"
	"sync"

	apperrors "github.com/router-for-me/copilotctl/internal/errors"
)

// DefaultAccountKey is used when a caller does not name the account it authenticates.
const DefaultAccountKey = "default"

// Registry holds at most one active device flow per account key. Each key has its own
// lock, so flows for different accounts never contend.
type Registry struct {
	slots sync.Map // string -> *registrySlot
}

type registrySlot struct {
	mu   sync.Mutex
	flow *DeviceFlow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NormalizeAccountKey trims key and substitutes DefaultAccountKey for an empty key.
func NormalizeAccountKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return DefaultAccountKey
	}
	return key
}

func (r *Registry) slot(key string) *registrySlot {
	v, _ := r.slots.LoadOrStore(NormalizeAccountKey(key), &registrySlot{})
	return v.(*registrySlot)
}

// Acquire binds flow to key. It fails with ErrFlowAlreadyInProgress while another
// non-terminal flow holds the key; a finished flow is replaced.
func (r *Registry) Acquire(key string, flow *DeviceFlow) error {
	s := r.slot(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow != nil && s.flow != flow && !s.flow.State().Terminal() {
		return apperrors.Wrapf(apperrors.ErrFlowAlreadyInProgress, nil,
			"authentication for %q is already in progress", NormalizeAccountKey(key))
	}
	s.flow = flow
	return nil
}

// Get returns the flow bound to key, or nil.
func (r *Registry) Get(key string) *DeviceFlow {
	v, ok := r.slots.Load(NormalizeAccountKey(key))
	if !ok {
		return nil
	}
	s := v.(*registrySlot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow
}

// Release unbinds flow from key. A different flow bound to the key is left alone.
func (r *Registry) Release(key string, flow *DeviceFlow) {
	v, ok := r.slots.Load(NormalizeAccountKey(key))
	if !ok {
		return
	}
	s := v.(*registrySlot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == flow {
		s.flow = nil
	}
}

// Active returns the keys whose flows have not reached a terminal state.
func (r *Registry) Active() []string {
	var keys []string
	r.slots.Range(func(k, v any) bool {
		s := v.(*registrySlot)
		s.mu.Lock()
		if s.flow != nil && !s.flow.State().Terminal() {
			keys = append(keys, k.(string))
		}
		s.mu.Unlock()
		return true
	})
	return keys
}
