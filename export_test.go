package floodfuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExporter records export calls and materializes empty files so the
// resume logic sees them on a second run.
type fakeExporter struct {
	calls   []string
	failOn  map[string]bool
	regions []ROI
}

func (f *fakeExporter) Export(ctx context.Context, img Image, region ROI, filename string, scale float64, crs string) error {
	base := filepath.Base(filename)
	f.calls = append(f.calls, base)
	f.regions = append(f.regions, region)
	if f.failOn[base] {
		return fmt.Errorf("simulated failure")
	}
	return os.WriteFile(filename, nil, 0o644)
}

func testFused(t *testing.T, date string) FusedImage {
	t.Helper()
	return FusedImage{
		Image: ConstMemImage(2, 2, testExtent, "v", 1),
		Date:  day(t, date),
	}
}

func TestTileFilename(t *testing.T) {
	assert.Equal(t, "tile_2021-01-01_0.tif", TileFilename("2021-01-01", 0))
	assert.Equal(t, "tile_2021-01-01_15.tif", TileFilename("2021-01-01", 15))
	assert.Equal(t, "tile_3.tif", TileFilename("", 3))
}

func TestExportTiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	grid, err := NewGrid(testExtent)
	require.NoError(t, err)
	img := testFused(t, "2021-01-01")
	exp := &fakeExporter{}

	// the zero-value config covers the full grid
	stats, err := ExportTiles(ctx, exp, img, grid, dir, ExportConfig{})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Exported: 16}, stats)
	require.Len(t, exp.calls, 16)
	// fixed cell order keys the filenames
	assert.Equal(t, "tile_2021-01-01_0.tif", exp.calls[0])
	assert.Equal(t, "tile_2021-01-01_15.tif", exp.calls[15])
	assert.Equal(t, grid.Cells(), exp.regions)
}

func TestExportTilesResume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	grid, err := NewGrid(testExtent)
	require.NoError(t, err)
	img := testFused(t, "2021-01-01")

	// pretend a previous run got through 3 tiles before dying
	for _, cell := range []int{0, 1, 7} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, TileFilename("2021-01-01", cell)), nil, 0o644))
	}
	exp := &fakeExporter{}
	stats, err := ExportTiles(ctx, exp, img, grid, dir, ExportConfig{})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Exported: 13, Skipped: 3}, stats)
	assert.NotContains(t, exp.calls, "tile_2021-01-01_0.tif")
	assert.NotContains(t, exp.calls, "tile_2021-01-01_7.tif")

	// a further run has nothing left to do
	exp = &fakeExporter{}
	stats, err = ExportTiles(ctx, exp, img, grid, dir, ExportConfig{})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Skipped: 16}, stats)
	assert.Empty(t, exp.calls)

	// overwrite redoes everything
	exp = &fakeExporter{}
	stats, err = ExportTiles(ctx, exp, img, grid, dir, ExportConfig{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Exported: 16}, stats)
}

func TestExportTilesFailureIsolation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	grid, err := NewGrid(testExtent)
	require.NoError(t, err)
	img := testFused(t, "2021-01-01")

	exp := &fakeExporter{failOn: map[string]bool{
		"tile_2021-01-01_5.tif": true,
	}}
	stats, err := ExportTiles(ctx, exp, img, grid, dir, ExportConfig{})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Exported: 15, Failed: 1}, stats)

	// the failed tile left no file, so resume retries exactly that one
	exp = &fakeExporter{}
	stats, err = ExportTiles(ctx, exp, img, grid, dir, ExportConfig{})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Exported: 1, Skipped: 15}, stats)
	assert.Equal(t, []string{"tile_2021-01-01_5.tif"}, exp.calls)
}

func TestExportTilesSingleCell(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	grid, err := NewGrid(testExtent)
	require.NoError(t, err)
	img := testFused(t, "2021-01-01")

	cell := 7
	exp := &fakeExporter{}
	stats, err := ExportTiles(ctx, exp, img, grid, dir, ExportConfig{Cell: &cell})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Exported: 1}, stats)
	assert.Equal(t, []string{"tile_2021-01-01_7.tif"}, exp.calls)
	assert.Equal(t, grid.Cells()[7], exp.regions[0])

	for _, bad := range []int{16, -1} {
		bad := bad
		_, err = ExportTiles(ctx, exp, img, grid, dir, ExportConfig{Cell: &bad})
		assert.Error(t, err)
	}
}

func TestExportTilesValidation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	grid, err := NewGrid(testExtent, Rows(1), Cols(2))
	require.NoError(t, err)
	img := testFused(t, "2021-01-01")

	// fakeExporter writes empty files, which are not valid tiffs: with
	// validation enabled every tile must be discarded
	exp := &fakeExporter{}
	stats, err := ExportTiles(ctx, exp, img, grid, dir, ExportConfig{ExpectedBands: TileBandCount})
	require.NoError(t, err)
	assert.Equal(t, ExportStats{Failed: 2}, stats)
	_, err = os.Stat(filepath.Join(dir, TileFilename("2021-01-01", 0)))
	assert.True(t, os.IsNotExist(err))
}
