package floodfuse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSplitter(t *testing.T) {
	base := t.TempDir()
	s, err := NewSplitter(base, "TILED=YES")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "S2"), s.S2Dir)
	assert.Equal(t, filepath.Join(base, "S1"), s.S1Dir)
	assert.Equal(t, filepath.Join(base, "labels"), s.LabelDir)
	for _, d := range []string{s.S2Dir, s.S1Dir, s.LabelDir} {
		fi, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestListTifs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"tile_2021-01-02_1.tif",
		"tile_2021-01-01_0.tif",
		"notes.txt",
		"tile_2021-01-01_10.tif",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.tif"), 0o755))

	tifs, err := listTifs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tile_2021-01-01_0.tif",
		"tile_2021-01-01_10.tif",
		"tile_2021-01-02_1.tif",
	}, tifs)

	_, err = listTifs(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
