package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// FragmentStore keeps entries as query parameters of a URL location
// fragment ("#protocol-simulation=...&trading-simulation=..."). The whole
// store state is the fragment string, which makes it shareable as a link
// and restorable without a server round trip.
type FragmentStore struct {
	mu     sync.RWMutex
	values url.Values
}

// NewFragmentStore parses a fragment, with or without its leading '#'. A
// malformed fragment yields an error; callers that prefer to degrade can
// fall back to an empty store.
func NewFragmentStore(fragment string) (*FragmentStore, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return nil, fmt.Errorf("store: parse fragment: %w", err)
	}
	return &FragmentStore{values: values}, nil
}

func (s *FragmentStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.values.Has(key) {
		return "", ErrNotFound
	}
	return s.values.Get(key), nil
}

func (s *FragmentStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values.Set(key, value)
	return nil
}

func (s *FragmentStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values.Del(key)
	return nil
}

// Fragment returns the encoded fragment without the leading '#'. Keys are
// sorted, so equal stores produce equal fragments.
func (s *FragmentStore) Fragment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.values.Encode()
}
