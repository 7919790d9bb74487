package weights

import (
	iface "TensorPrepServer/interface"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadFCExactNames(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "fc", "1 0 0 1 2 2\n")
	write(t, dir, "fc_bias", "0.5 -1 0\n")

	fc, err := LoadFC(dir, 0)
	require.NoError(t, err)
	require.NotNil(t, fc)
	assert.Equal(t, 3, fc.Out())
	assert.Equal(t, 2, fc.In())

	y, err := fc.Apply([]float32{3, 4, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{3.5, 3, 14, 1.5, 0, 4}, y)

	_, err = fc.Apply([]float32{1, 2, 3})
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
}

func TestLoadFCPrefixMatch(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "fc_layer0", "1 2")
	write(t, dir, "fc_layer1", "3 4")
	write(t, dir, "fc_bias_layer0", "0")
	write(t, dir, "fc_bias_layer1", "10")

	fc, err := LoadFC(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, fc.Weights)
	assert.Equal(t, []float32{10}, fc.Bias)

	_, err = LoadFC(dir, 2)
	assert.True(t, errors.Is(err, iface.ErrRange))
}

func TestLoadFCMissing(t *testing.T) {
	fc, err := LoadFC(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Nil(t, fc)

	dir := t.TempDir()
	write(t, dir, "fc", "1 2")
	_, err = LoadFC(dir, 0)
	assert.True(t, errors.Is(err, iface.ErrNotFound))

	write(t, dir, "fc_bias", "1 x")
	_, err = LoadFC(dir, 0)
	assert.True(t, errors.Is(err, iface.ErrConfiguration))

	_, err = LoadFC(filepath.Join(dir, "nope"), 0)
	assert.True(t, errors.Is(err, iface.ErrNotFound))
}

func TestNearestPrefixMatch(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "b", "")
	write(t, dir, "a2", "")
	write(t, dir, "a1", "")

	p, err := NearestPrefixMatch(dir, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a1"), p)

	p, err = NearestPrefixMatch(dir, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, p)
}
