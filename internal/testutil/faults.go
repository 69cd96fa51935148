package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/reaqtor/internal/store"
)

// FaultyStore wraps a store and injects failures into its blob operations.
// Log operations pass through untouched.
type FaultyStore struct {
	store.Store

	mu      sync.Mutex
	putErr  map[string]error
	corrupt map[string]bool
}

func NewFaultyStore(inner store.Store) *FaultyStore {
	return &FaultyStore{
		Store:   inner,
		putErr:  make(map[string]error),
		corrupt: make(map[string]bool),
	}
}

func faultKey(category, key string) string {
	return category + "\x00" + key
}

// FailPut makes writes of category/key fail with err.
func (f *FaultyStore) FailPut(category, key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr[faultKey(category, key)] = err
}

// Corrupt makes reads of category/key return the stored bytes with the
// first byte flipped.
func (f *FaultyStore) Corrupt(category, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[faultKey(category, key)] = true
}

// Heal removes every injected fault.
func (f *FaultyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = make(map[string]error)
	f.corrupt = make(map[string]bool)
}

func (f *FaultyStore) Put(ctx context.Context, category, key string, value []byte) error {
	f.mu.Lock()
	err := f.putErr[faultKey(category, key)]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Put(ctx, category, key, value)
}

func (f *FaultyStore) Get(ctx context.Context, category, key string) ([]byte, error) {
	data, err := f.Store.Get(ctx, category, key)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	bad := f.corrupt[faultKey(category, key)]
	f.mu.Unlock()
	if bad && len(data) > 0 {
		data = slices.Clone(data)
		data[0] ^= 0xff
	}
	return data, nil
}
