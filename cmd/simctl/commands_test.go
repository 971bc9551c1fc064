package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRecompute_JSON(t *testing.T) {
	out, err := run(t, "recompute", "protocol", "avaxPrice=40", "--format", "json")
	require.NoError(t, err)

	var state struct {
		Converged bool               `json:"converged"`
		Values    map[string]float64 `json:"values"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.True(t, state.Converged)
	assert.Equal(t, 3600000.0, state.Values["totalValOfAvax"])
}

func TestRecompute_Text(t *testing.T) {
	out, err := run(t, "recompute", "trading")
	require.NoError(t, err)
	assert.Contains(t, out, "trading simulation")
	assert.Contains(t, out, "4157.14")
}

func TestRecompute_InvalidEdit(t *testing.T) {
	_, err := run(t, "recompute", "protocol", "avaxPrice=0")
	assert.ErrorContains(t, err, "Value must be at least 1")

	_, err = run(t, "recompute", "protocol", "avaxPrice")
	assert.ErrorContains(t, err, "expected field=value")

	_, err = run(t, "recompute", "lending")
	assert.Error(t, err)
}

func TestShareThenDecode(t *testing.T) {
	out, err := run(t, "share", "trading", "changeinAVAXPrice=-5")
	require.NoError(t, err)
	fragment := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(fragment, "#trading-simulation="), fragment)

	out, err = run(t, "recompute", "trading", "--fragment", fragment, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"changeinAVAXPrice": -5`)

	out, err = run(t, "decode", fragment)
	require.NoError(t, err)
	assert.Contains(t, out, "protocol-simulation: not in fragment")
	assert.NotContains(t, out, "trading-simulation: not in fragment")
}

func TestFields(t *testing.T) {
	out, err := run(t, "fields", "protocol")
	require.NoError(t, err)
	assert.Contains(t, out, "protocol (protocol-simulation)")
	assert.Contains(t, out, "aUSDinCirculation")
	assert.NotContains(t, out, "xAVAXMinted")
}
