// Package transport holds the stub and skeleton factories that bind address
// kinds to concrete transport implementations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

// StubFactory creates stubs through per-kind constructors and caches them by
// destination address.
type StubFactory struct {
	mu           sync.Mutex
	constructors map[address.Kind]transport.StubConstructor
	stubs        map[address.Address]transport.Stub
	logger       zerolog.Logger
}

// NewStubFactory creates a factory with the given constructor table.
func NewStubFactory(constructors map[address.Kind]transport.StubConstructor, logger zerolog.Logger) *StubFactory {
	f := &StubFactory{
		constructors: make(map[address.Kind]transport.StubConstructor, len(constructors)),
		stubs:        make(map[address.Address]transport.Stub),
		logger:       logger,
	}
	for kind, ctor := range constructors {
		f.constructors[kind] = ctor
	}
	return f
}

// Register adds or replaces the constructor for kind.
func (f *StubFactory) Register(kind address.Kind, ctor transport.StubConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Supports reports whether kind has a constructor.
func (f *StubFactory) Supports(kind address.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.constructors[kind]
	return ok
}

// Require returns an error wrapping transport.ErrConfiguration naming the first
// kind without a constructor.
func (f *StubFactory) Require(kinds ...address.Kind) error {
	for _, kind := range kinds {
		if !f.Supports(kind) {
			return fmt.Errorf("%w: no stub constructor for %s addresses", transport.ErrConfiguration, kind)
		}
	}
	return nil
}

// Get returns the cached stub for addr or builds one.
func (f *StubFactory) Get(addr address.Address) (transport.Stub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if stub, ok := f.stubs[addr]; ok {
		return stub, nil
	}

	ctor, ok := f.constructors[addr.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no stub constructor for %s addresses", transport.ErrConfiguration, addr.Kind)
	}
	stub, err := ctor(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create stub for %s: %w", addr, err)
	}
	f.stubs[addr] = stub
	f.logger.Debug().Stringer("address", addr).Msg("created stub")
	return stub, nil
}

// Len returns the number of cached stubs.
func (f *StubFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stubs)
}

// Shutdown closes every cached stub. When clear is set the cache is emptied;
// otherwise the closed stubs are kept and reconnect on their next Transmit.
// Shutdown is idempotent.
func (f *StubFactory) Shutdown(clear bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for addr, stub := range f.stubs {
		if err := stub.Close(); err != nil {
			f.logger.Warn().Err(err).Stringer("address", addr).Msg("failed to close stub")
		}
	}
	if clear {
		f.stubs = make(map[address.Address]transport.Stub)
	}
}

// SkeletonFactory owns the skeletons of every enabled transport.
type SkeletonFactory struct {
	mu        sync.Mutex
	skeletons map[address.Kind]transport.Skeleton
	started   bool
	closed    bool
}

// NewSkeletonFactory builds one skeleton per constructor, all delivering to receiver.
func NewSkeletonFactory(constructors map[address.Kind]transport.SkeletonConstructor, receiver transport.Receiver) (*SkeletonFactory, error) {
	f := &SkeletonFactory{skeletons: make(map[address.Kind]transport.Skeleton, len(constructors))}
	for kind, ctor := range constructors {
		sk, err := ctor(receiver)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create %s skeleton: %v", transport.ErrConfiguration, kind, err)
		}
		f.skeletons[kind] = sk
	}
	return f, nil
}

// Get returns the skeleton of kind.
func (f *SkeletonFactory) Get(kind address.Kind) (transport.Skeleton, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sk, ok := f.skeletons[kind]
	return sk, ok
}

// Start starts every skeleton. On failure the already started ones are closed.
func (f *SkeletonFactory) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return transport.ErrClosed
	}
	if f.started {
		return nil
	}

	var started []transport.Skeleton
	for _, kind := range address.Kinds {
		sk, ok := f.skeletons[kind]
		if !ok {
			continue
		}
		if err := sk.Start(ctx); err != nil {
			for _, s := range started {
				s.Close()
			}
			return fmt.Errorf("failed to start %s skeleton: %w", kind, err)
		}
		started = append(started, sk)
	}
	f.started = true
	return nil
}

// Shutdown closes every skeleton. Shutdown is idempotent.
func (f *SkeletonFactory) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	for kind, sk := range f.skeletons {
		if err := sk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s skeleton: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Verify StubFactory implements the interface at compile time
var _ transport.StubFactory = (*StubFactory)(nil)
