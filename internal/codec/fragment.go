package codec

import (
	"context"

	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/store"
)

// Fragment is a shareable URL location fragment carrying one token per
// scenario key, e.g. "#protocol-simulation=%7B...%7D".
type Fragment struct {
	st *store.FragmentStore
}

// ParseFragment reads a fragment with or without its leading '#'. A
// malformed fragment yields an empty one, so every scenario falls back to
// its defaults.
func ParseFragment(s string) *Fragment {
	st, err := store.NewFragmentStore(s)
	if err != nil {
		st, _ = store.NewFragmentStore("")
	}
	return &Fragment{st: st}
}

// Store exposes the fragment as a store, for use with Load and Save.
func (f *Fragment) Store() store.Store { return f.st }

// Set stores the token for v under key.
func (f *Fragment) Set(key string, v *model.Vector) error {
	return Save(context.Background(), f.st, key, v)
}

// Token returns the raw token stored under key.
func (f *Fragment) Token(key string) (string, bool) {
	token, err := f.st.Get(context.Background(), key)
	if err != nil {
		return "", false
	}
	return token, true
}

// Vector decodes the token under key over defaults. found reports whether a
// readable token was present.
func (f *Fragment) Vector(key string, defaults *model.Vector) (*model.Vector, bool) {
	v, found, _ := Load(context.Background(), f.st, key, defaults)
	return v, found
}

// String returns the fragment with its leading '#'.
func (f *Fragment) String() string {
	return "#" + f.st.Fragment()
}
