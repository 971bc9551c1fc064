// Package codec serializes scenario vectors to and from persistence tokens.
//
// A token is a JSON object with one number per declared field, keyed by
// field name, in declaration order. Decoding is lenient in the direction of
// the defaults: a token that cannot be read at all is treated as absent,
// while a readable token that lacks some fields takes those fields from the
// defaults.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/store"
)

var ErrEncode = errors.New("codec: vector cannot be encoded")

// Encode returns the token for v. Vectors holding NaN or ±Inf are rejected.
func Encode(v *model.Vector) (string, error) {
	if bad := v.NonFinite(); len(bad) > 0 {
		return "", fmt.Errorf("%w: non-finite %v", ErrEncode, bad)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return string(b), nil
}

// Decode reads token over the layout of defaults. ok is false when the
// token is empty, is not a JSON object, or holds a non-numeric value for a
// declared field; callers then use the defaults as-is. Keys that are not
// declared are ignored.
func Decode(defaults *model.Vector, token string) (*model.Vector, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(token), &raw); err != nil || raw == nil {
		return nil, false
	}

	out := defaults.Snapshot()
	for field, msg := range raw {
		if !out.Has(field) {
			continue
		}
		x, ok := number(msg)
		if !ok {
			return nil, false
		}
		out.Set(field, x)
	}
	return out, true
}

func number(msg json.RawMessage) (float64, bool) {
	if len(msg) == 0 || msg[0] == 'n' { // null
		return 0, false
	}
	var x float64
	if err := json.Unmarshal(msg, &x); err != nil {
		return 0, false
	}
	return x, true
}

// Save encodes v and writes it under key.
func Save(ctx context.Context, st store.Store, key string, v *model.Vector) error {
	token, err := Encode(v)
	if err != nil {
		return err
	}
	return st.Set(ctx, key, token)
}

// Load reads the token stored under key. found is false when the key is
// missing or its token is unreadable; the returned vector is then a copy of
// defaults. A store failure other than a missing key is returned as err
// together with the defaults.
func Load(ctx context.Context, st store.Store, key string, defaults *model.Vector) (v *model.Vector, found bool, err error) {
	token, err := st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return defaults.Snapshot(), false, nil
	}
	if err != nil {
		return defaults.Snapshot(), false, err
	}
	if v, ok := Decode(defaults, token); ok {
		return v, true, nil
	}
	return defaults.Snapshot(), false, nil
}
