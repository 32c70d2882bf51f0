package floodfuse

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExtent = ROI{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}

func testImage(t *testing.T, names []string, data [][]float64) *MemImage {
	t.Helper()
	img, err := NewMemImage(2, 2, testExtent, names, data)
	require.NoError(t, err)
	return img
}

func TestMemImageAlgebra(t *testing.T) {
	img := testImage(t, []string{"a", "b"}, [][]float64{
		{6, 2, 0, math.NaN()},
		{2, 2, 0, 1},
	})

	nd, err := img.NormalizedDifference("a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"nd"}, nd.Bands())
	m := nd.(*MemImage)
	assert.Equal(t, 0.5, m.At(0, 0, 0))
	assert.Equal(t, 0.0, m.At(0, 1, 0)) // (2-2)/(2+2)
	assert.Equal(t, 0.0, m.At(0, 0, 1)) // zero denominator guarded
	assert.True(t, math.IsNaN(m.At(0, 1, 1)))

	diff, err := img.Subtract("a", "b")
	require.NoError(t, err)
	m = diff.(*MemImage)
	assert.Equal(t, 4.0, m.At(0, 0, 0))
	assert.Equal(t, 0.0, m.At(0, 1, 0))
	assert.True(t, math.IsNaN(m.At(0, 1, 1)))

	_, err = img.NormalizedDifference("a", "nope")
	assert.Error(t, err)
	_, err = img.Subtract("nope", "b")
	assert.Error(t, err)
}

func TestMemImageMasks(t *testing.T) {
	img := testImage(t, []string{"scl"}, [][]float64{
		{4, 9, 6, math.NaN()},
	})

	neq, err := img.Neq("scl", 9)
	require.NoError(t, err)
	m := neq.(*MemImage)
	assert.Equal(t, 1.0, m.At(0, 0, 0))
	assert.Equal(t, 0.0, m.At(0, 1, 0))
	assert.Equal(t, 1.0, m.At(0, 0, 1))
	assert.True(t, math.IsNaN(m.At(0, 1, 1)))

	gt, err := img.Gt("scl", 5)
	require.NoError(t, err)
	m = gt.(*MemImage)
	assert.Equal(t, 0.0, m.At(0, 0, 0))
	assert.Equal(t, 1.0, m.At(0, 1, 0))

	and, err := neq.And(gt)
	require.NoError(t, err)
	m = and.(*MemImage)
	assert.Equal(t, 0.0, m.At(0, 0, 0)) // 1 && 0
	assert.Equal(t, 0.0, m.At(0, 1, 0)) // 0 && 1
	assert.Equal(t, 1.0, m.At(0, 0, 1)) // 1 && 1
	assert.Equal(t, 0.0, m.At(0, 1, 1)) // NaN treated as masked

	data := testImage(t, []string{"v"}, [][]float64{{10, 20, 30, 40}})
	masked, err := data.UpdateMask(neq)
	require.NoError(t, err)
	m = masked.(*MemImage)
	assert.Equal(t, 10.0, m.At(0, 0, 0))
	assert.True(t, math.IsNaN(m.At(0, 1, 0)))
	assert.Equal(t, 30.0, m.At(0, 0, 1))
	assert.True(t, math.IsNaN(m.At(0, 1, 1)))
	// source untouched
	assert.Equal(t, 20.0, data.At(0, 1, 0))
}

func TestMemImageSelectRenameAddBands(t *testing.T) {
	img := testImage(t, []string{"a", "b", "c"}, [][]float64{
		{1, 1, 1, 1}, {2, 2, 2, 2}, {3, 3, 3, 3},
	})

	sel, err := img.Select("c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, sel.Bands())
	assert.Equal(t, 3.0, sel.(*MemImage).At(0, 0, 0))

	_, err = img.Select("a", "nope")
	assert.Error(t, err)

	ren, err := sel.Rename("x", "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ren.Bands())
	_, err = sel.Rename("onlyone")
	assert.Error(t, err)

	extra := ConstMemImage(2, 2, testExtent, "d", 4)
	merged, err := img.AddBands(extra)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, merged.Bands())

	dup := ConstMemImage(2, 2, testExtent, "b", 0)
	_, err = img.AddBands(dup)
	assert.Error(t, err)

	small := ConstMemImage(1, 1, testExtent, "e", 0)
	_, err = img.AddBands(small)
	assert.Error(t, err)
}

func TestMemImageClip(t *testing.T) {
	img := testImage(t, []string{"v"}, [][]float64{{1, 2, 3, 4}})
	// keep only the west column: pixel centers at x=0.5 stay, x=1.5 go
	clipped := img.Clip(ROI{MinX: 0, MinY: 0, MaxX: 1, MaxY: 2}).(*MemImage)
	assert.Equal(t, 1.0, clipped.At(0, 0, 0))
	assert.True(t, math.IsNaN(clipped.At(0, 1, 0)))
	assert.Equal(t, 3.0, clipped.At(0, 0, 1))
	assert.True(t, math.IsNaN(clipped.At(0, 1, 1)))
	// masking only: the grid and extent stay put so sampling stays registered
	assert.Equal(t, testExtent, clipped.Extent())
	assert.Equal(t, 1.0, clipped.Sample(0, 0.5, 1.5))
	assert.Equal(t, 3.0, clipped.Sample(0, 0.5, 0.5))
	assert.True(t, math.IsNaN(clipped.Sample(0, 1.5, 1.5)))
}

func TestMemImageClipLargerFootprint(t *testing.T) {
	// 4x4 scene over (0,0)-(4,4), clipped to the inner (1,1)-(3,3) square:
	// geographic samples must keep hitting the same pixels afterwards
	big := ROI{MinX: 0, MinY: 0, MaxX: 4, MaxY: 4}
	pix := make([]float64, 16)
	for i := range pix {
		pix[i] = float64(i)
	}
	img, err := NewMemImage(4, 4, big, []string{"v"}, [][]float64{pix})
	require.NoError(t, err)

	roi := ROI{MinX: 1, MinY: 1, MaxX: 3, MaxY: 3}
	clipped := img.Clip(roi).(*MemImage)
	assert.Equal(t, big, clipped.Extent())
	for _, p := range [][2]float64{{1.5, 2.5}, {2.5, 2.5}, {1.5, 1.5}, {2.5, 1.5}} {
		assert.Equal(t, img.Sample(0, p[0], p[1]), clipped.Sample(0, p[0], p[1]),
			"sample at %v", p)
	}
	assert.True(t, math.IsNaN(clipped.Sample(0, 0.5, 0.5)))
	assert.True(t, math.IsNaN(clipped.Sample(0, 3.5, 3.5)))
}

func TestMemImageSample(t *testing.T) {
	img := testImage(t, []string{"v"}, [][]float64{{1, 2, 3, 4}})
	assert.Equal(t, 1.0, img.Sample(0, 0.5, 1.5)) // NW pixel
	assert.Equal(t, 2.0, img.Sample(0, 1.5, 1.5))
	assert.Equal(t, 3.0, img.Sample(0, 0.5, 0.5))
	assert.Equal(t, 4.0, img.Sample(0, 1.5, 0.5))
	assert.True(t, math.IsNaN(img.Sample(0, -1, 1)))
	assert.True(t, math.IsNaN(img.Sample(0, 1, 5)))
}

func obsAt(t *testing.T, day string, value float64, props map[string]interface{}) MemObservation {
	t.Helper()
	ts, err := time.Parse("2006-01-02", day)
	require.NoError(t, err)
	img := ConstMemImage(2, 2, testExtent, "v", value)
	return MemObservation{Image: img.WithTime(ts).(*MemImage), Properties: props}
}

func TestMemCollectionFilters(t *testing.T) {
	ctx := context.Background()
	col := NewCollection(
		obsAt(t, "2021-01-03", 3, map[string]interface{}{"q": 1.0}),
		obsAt(t, "2021-01-01", 1, map[string]interface{}{"q": 5.0}),
		obsAt(t, "2021-01-02", 2, map[string]interface{}{"q": 9.0}),
	)

	n, err := col.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d1, _ := time.Parse("2006-01-02", "2021-01-01")
	d3, _ := time.Parse("2006-01-02", "2021-01-03")
	n, err = col.FilterDate(d1, d3).Size(ctx) // end exclusive
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = col.Filter(Lt("q", 6)).Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = col.FilterBounds(ROI{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11}).Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// original untouched by narrowing
	n, err = col.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMemCollectionMedian(t *testing.T) {
	ctx := context.Background()
	o1 := obsAt(t, "2021-01-01", 1, nil)
	o2 := obsAt(t, "2021-01-01", 3, nil)
	o3 := obsAt(t, "2021-01-01", 10, nil)
	// mask one pixel of the outlier so its median contribution drops there
	o3.Image.bands[0].pix[0] = math.NaN()

	med, err := NewCollection(o1, o2, o3).Median(ctx)
	require.NoError(t, err)
	m := med.(*MemImage)
	assert.Equal(t, 2.0, m.At(0, 0, 0)) // median(1,3)
	assert.Equal(t, 3.0, m.At(0, 1, 0)) // median(1,3,10)

	_, err = NewCollection().Median(ctx)
	assert.Error(t, err)

	mapped := NewCollection(o1, o2).Map(func(img Image) (Image, error) {
		return img.Rename("w")
	})
	med, err = mapped.Median(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, med.Bands())
}
