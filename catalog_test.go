package floodfuse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestROI(t *testing.T) {
	r := ROI{MinX: 0, MinY: 0, MaxX: 4, MaxY: 2}
	assert.Equal(t, 4.0, r.Width())
	assert.Equal(t, 2.0, r.Height())
	assert.False(t, r.Empty())
	assert.True(t, ROI{}.Empty())
	assert.True(t, ROI{MinX: 1, MaxX: 1, MinY: 0, MaxY: 1}.Empty())
	assert.True(t, ROI{MinX: 2, MaxX: 1, MinY: 0, MaxY: 1}.Empty())

	assert.True(t, r.Intersects(ROI{MinX: 3, MinY: 1, MaxX: 5, MaxY: 3}))
	assert.False(t, r.Intersects(ROI{MinX: 4, MinY: 0, MaxX: 5, MaxY: 2})) // touching edge
	assert.False(t, r.Intersects(ROI{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11}))

	i := r.Intersection(ROI{MinX: 3, MinY: 1, MaxX: 5, MaxY: 3})
	assert.Equal(t, ROI{MinX: 3, MinY: 1, MaxX: 4, MaxY: 2}, i)
	assert.Equal(t, ROI{}, r.Intersection(ROI{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11}))

	assert.True(t, r.Contains(0, 0))
	assert.True(t, r.Contains(4, 2))
	assert.True(t, r.Contains(2, 1))
	assert.False(t, r.Contains(4.1, 1))
	assert.False(t, r.Contains(2, -0.1))
}

func TestLoadROI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("minx: 1.5\nminy: 2.5\nmaxx: 3.5\nmaxy: 4.5\n"), 0o644))
	roi, err := LoadROI(path)
	require.NoError(t, err)
	assert.Equal(t, ROI{MinX: 1.5, MinY: 2.5, MaxX: 3.5, MaxY: 4.5}, roi)

	require.NoError(t, os.WriteFile(path, []byte("minx: 3\nminy: 2\nmaxx: 1\nmaxy: 4\n"), 0o644))
	_, err = LoadROI(path)
	assert.Error(t, err)

	_, err = LoadROI(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestROIRing(t *testing.T) {
	// triangle inside the unit square
	r := ROI{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1,
		Ring: [][2]float64{{0, 0}, {1, 0}, {0, 1}}}
	assert.True(t, r.Contains(0.2, 0.2))
	assert.False(t, r.Contains(0.9, 0.9)) // in the bbox, outside the ring
	assert.False(t, r.Contains(1.5, 0.5))

	dir := t.TempDir()
	path := filepath.Join(dir, "ring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"ring:\n- [2, 3]\n- [5, 3]\n- [5, 7]\n- [2, 7]\n"), 0o644))
	roi, err := LoadROI(path)
	require.NoError(t, err)
	// bounding rectangle derived from the ring
	assert.Equal(t, 2.0, roi.MinX)
	assert.Equal(t, 3.0, roi.MinY)
	assert.Equal(t, 5.0, roi.MaxX)
	assert.Equal(t, 7.0, roi.MaxY)
	assert.True(t, roi.Contains(3, 5))
}

func TestPredicates(t *testing.T) {
	props := map[string]interface{}{
		"CLOUDY_PIXEL_PERCENTAGE":         12.5,
		"instrumentMode":                  "IW",
		"transmitterReceiverPolarisation": []interface{}{"VV", "VH"},
		"orbit":                           5,
	}
	assert.True(t, Lt("CLOUDY_PIXEL_PERCENTAGE", 60)(props))
	assert.False(t, Lt("CLOUDY_PIXEL_PERCENTAGE", 12.5)(props))
	assert.False(t, Lt("missing", 60)(props))

	assert.True(t, Eq("instrumentMode", "IW")(props))
	assert.False(t, Eq("instrumentMode", "EW")(props))
	assert.True(t, Eq("orbit", 5.0)(props)) // numeric compare across int/float

	assert.True(t, ListContains("transmitterReceiverPolarisation", "VV")(props))
	assert.True(t, ListContains("transmitterReceiverPolarisation", "VH")(props))
	assert.False(t, ListContains("transmitterReceiverPolarisation", "HH")(props))
	assert.False(t, ListContains("instrumentMode", "IW")(props))
}
