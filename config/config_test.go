package config

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/preset"
	"TensorPrepServer/transform"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("labels: synset.txt\n"))
	require.NoError(t, err)
	assert.Equal(t, "synset.txt", c.Labels)
	assert.Equal(t, 224, c.Width)
	assert.Equal(t, 255.0, c.RawScale)
	assert.Equal(t, []float64{104.007, 116.669, 122.679}, c.Mean)
	assert.Equal(t, 1.0, c.InputScale)
	assert.Equal(t, 1000, c.OutSize)
	assert.Equal(t, 5, c.TopK)
	require.NoError(t, c.Validate())
}

func TestEffectiveMergesConfs(t *testing.T) {
	c, err := Parse([]byte(`
images: [a.jpg]
width: 300
height: 300
topK: 3
batchSize: 40
confs:
  - name: small
    width: 128
    height: 128
  - preset: detection
    images: [b.jpg, c.jpg]
`))
	require.NoError(t, err)
	effs, err := c.Effective()
	require.NoError(t, err)
	require.Len(t, effs, 2)

	assert.Equal(t, "small", effs[0].Name)
	assert.Equal(t, 128, effs[0].Width)
	assert.Equal(t, 3, effs[0].TopK)
	assert.Equal(t, []string{"a.jpg"}, effs[0].Images)
	assert.Equal(t, MaxBatchSize, effs[0].BatchSize)

	assert.Equal(t, "conf1", effs[1].Name)
	assert.Equal(t, "detection", effs[1].Preset)
	assert.Equal(t, 300, effs[1].Width)
	assert.Equal(t, []string{"b.jpg", "c.jpg"}, effs[1].Images)
	assert.Nil(t, effs[1].Confs)

	// the base is not touched by the overlays
	assert.Equal(t, 300, c.Width)
	assert.Equal(t, 40, c.BatchSize)
}

func TestEffectiveWithoutConfs(t *testing.T) {
	c := Default()
	c.BatchSize = 0
	effs, err := c.Effective()
	require.NoError(t, err)
	require.Len(t, effs, 1)
	assert.Equal(t, 1, effs[0].BatchSize)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"preset":  func(c *Config) { c.Preset = "segment" },
		"width":   func(c *Config) { c.Width = 0 },
		"mean":    func(c *Config) { c.Mean = []float64{1} },
		"topk":    func(c *Config) { c.TopK = 0 },
		"outsz":   func(c *Config) { c.TopK, c.OutSize = 10, 5 },
		"workers": func(c *Config) { c.Engine.Workers = 0 },
		"variant": func(c *Config) { c.Engine.Variant = "v9" },
		"custom":  func(c *Config) { c.Preset = "custom" },
		"steps":   func(c *Config) { c.Preset, c.ImageTransforms = "custom", []string{"warp 1"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.True(t, errors.Is(c.Validate(), iface.ErrConfiguration))
		})
	}
}

func TestBuildPreset(t *testing.T) {
	c := Default()
	c.Width, c.Height = 64, 32
	p, err := c.BuildPreset()
	require.NoError(t, err)
	assert.Equal(t, preset.KindClassification, p.Kind)
	assert.Equal(t, [3]float64{104.007, 116.669, 122.679}, p.Classification.Mean)
	assert.Equal(t, []int64{1, 3, 32, 64}, c.Backend().InputShape)

	c.Preset = "detection"
	assert.Equal(t, []int64{1, 3, 64, 64}, c.Backend().InputShape)

	c.Preset = "custom"
	c.ImageTransforms = []string{"resize2mindim 256 256", "crop_center 224 224", "chtranspose 2 0 1"}
	p, err = c.BuildPreset()
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, transform.OpCropCenter, p.Steps[1].Op)
	assert.Nil(t, c.Backend().InputShape)
}

func TestResolveLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o644))

	e := EngineConfig{LibraryPath: lib}
	assert.Equal(t, lib, e.ResolveLibrary())

	e.Variant = "v3"
	assert.Equal(t, lib, e.ResolveLibrary())

	require.NoError(t, os.WriteFile(lib+".v3", nil, 0o644))
	assert.Equal(t, lib+".v3", e.ResolveLibrary())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	assert.True(t, errors.Is(err, iface.ErrNotFound))

	_, err = Parse([]byte("width: [1, 2"))
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
}
