package routingtable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/meshrouter/pkg/multicast"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

type patternReceivers struct {
	matcher   *multicast.Matcher
	receivers map[string]struct{}
}

// InMemoryMulticastRegistry implements routingtable.MulticastReceiverRegistry.
// Each pattern is compiled once and shared by all of its receivers.
type InMemoryMulticastRegistry struct {
	mu       sync.RWMutex
	patterns map[string]*patternReceivers
}

// NewInMemoryMulticastRegistry creates an empty registry.
func NewInMemoryMulticastRegistry() *InMemoryMulticastRegistry {
	return &InMemoryMulticastRegistry{patterns: make(map[string]*patternReceivers)}
}

// Register adds participantID as a receiver of pattern.
func (r *InMemoryMulticastRegistry) Register(pattern string, participantID string) error {
	if participantID == "" {
		return fmt.Errorf("participant id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pr, ok := r.patterns[pattern]
	if !ok {
		matcher, err := multicast.Compile(pattern)
		if err != nil {
			return err
		}
		pr = &patternReceivers{matcher: matcher, receivers: make(map[string]struct{})}
		r.patterns[pattern] = pr
	}
	pr.receivers[participantID] = struct{}{}
	return nil
}

// Unregister removes participantID from pattern; the pattern is dropped with its last receiver.
func (r *InMemoryMulticastRegistry) Unregister(pattern string, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pr, ok := r.patterns[pattern]
	if !ok {
		return
	}
	delete(pr.receivers, participantID)
	if len(pr.receivers) == 0 {
		delete(r.patterns, pattern)
	}
}

// Receivers returns the sorted distinct participants whose patterns match multicastID.
func (r *InMemoryMulticastRegistry) Receivers(multicastID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, pr := range r.patterns {
		if !pr.matcher.Matches(multicastID) {
			continue
		}
		for id := range pr.receivers {
			seen[id] = struct{}{}
		}
	}

	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Patterns returns a snapshot of pattern to sorted participant ids.
func (r *InMemoryMulticastRegistry) Patterns() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]string, len(r.patterns))
	for pattern, pr := range r.patterns {
		ids := make([]string, 0, len(pr.receivers))
		for id := range pr.receivers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		result[pattern] = ids
	}
	return result
}

// Clear removes every registration.
func (r *InMemoryMulticastRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = make(map[string]*patternReceivers)
}

// Verify InMemoryMulticastRegistry implements the interface at compile time
var _ routingtable.MulticastReceiverRegistry = (*InMemoryMulticastRegistry)(nil)
