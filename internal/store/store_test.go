package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablejack/simulation-engine/internal/store"
)

// exerciseStore runs the common contract every Store must satisfy.
func exerciseStore(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := st.Get(ctx, "protocol-simulation")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Set(ctx, "protocol-simulation", `{"avaxPrice":30}`))
	require.NoError(t, st.Set(ctx, "trading-simulation", `{"avaxPrice":31}`))

	v, err := st.Get(ctx, "protocol-simulation")
	require.NoError(t, err)
	assert.Equal(t, `{"avaxPrice":30}`, v)

	require.NoError(t, st.Set(ctx, "protocol-simulation", `{"avaxPrice":45}`))
	v, err = st.Get(ctx, "protocol-simulation")
	require.NoError(t, err)
	assert.Equal(t, `{"avaxPrice":45}`, v)

	v, err = st.Get(ctx, "trading-simulation")
	require.NoError(t, err)
	assert.Equal(t, `{"avaxPrice":31}`, v)

	require.NoError(t, st.Delete(ctx, "protocol-simulation"))
	require.NoError(t, st.Delete(ctx, "protocol-simulation"))
	_, err = st.Get(ctx, "protocol-simulation")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, store.NewMemoryStore())
}

func TestFragmentStore(t *testing.T) {
	st, err := store.NewFragmentStore("")
	require.NoError(t, err)
	exerciseStore(t, st)
}

func TestSQLiteStore(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestNamespaced(t *testing.T) {
	exerciseStore(t, store.WithNamespace(store.NewMemoryStore(), "ws-1"))
}

func TestNamespaced_Isolation(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	a := store.WithNamespace(mem, "a")
	b := store.WithNamespace(mem, "b")

	require.NoError(t, a.Set(ctx, "protocol-simulation", "1"))
	_, err := b.Get(ctx, "protocol-simulation")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"a/protocol-simulation"}, mem.Keys(""))
	assert.Equal(t, "a/protocol-simulation", a.Key("protocol-simulation"))
}

func TestFragmentStore_RoundTripsThroughFragment(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFragmentStore("")
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, "trading-simulation", `{"a":1}`))
	require.NoError(t, st.Set(ctx, "protocol-simulation", `{"b":2.5}`))

	restored, err := store.NewFragmentStore("#" + st.Fragment())
	require.NoError(t, err)

	v, err := restored.Get(ctx, "protocol-simulation")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2.5}`, v)
	assert.Equal(t, st.Fragment(), restored.Fragment())
}

func TestFragmentStore_Malformed(t *testing.T) {
	_, err := store.NewFragmentStore("#a=%zz")
	assert.Error(t, err)
}
