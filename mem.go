package floodfuse

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// In-memory implementation of the Collection/Image capability surface.
// Pixels are float64, masked pixels are NaN. This backs the local catalog
// mode and the test suite; a remote implementation only has to satisfy the
// same interfaces.

type memBand struct {
	name string
	pix  []float64
}

type MemImage struct {
	width, height int
	extent        ROI
	t             time.Time
	bands         []memBand
}

// NewMemImage builds an in-memory image. data is one slice per band, row
// major, top row first, length width*height.
func NewMemImage(width, height int, extent ROI, names []string, data [][]float64) (*MemImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if len(names) != len(data) {
		return nil, fmt.Errorf("%d band names for %d band buffers", len(names), len(data))
	}
	img := &MemImage{width: width, height: height, extent: extent}
	for i, name := range names {
		if len(data[i]) != width*height {
			return nil, fmt.Errorf("band %s: %d pixels, expecting %d", name, len(data[i]), width*height)
		}
		pix := make([]float64, len(data[i]))
		copy(pix, data[i])
		img.bands = append(img.bands, memBand{name: name, pix: pix})
	}
	return img, nil
}

// ConstMemImage builds a single-band image filled with a constant value,
// mostly useful in tests.
func ConstMemImage(width, height int, extent ROI, name string, value float64) *MemImage {
	pix := make([]float64, width*height)
	for i := range pix {
		pix[i] = value
	}
	img, _ := NewMemImage(width, height, extent, []string{name}, [][]float64{pix})
	return img
}

func (img *MemImage) Width() int  { return img.width }
func (img *MemImage) Height() int { return img.height }
func (img *MemImage) Extent() ROI { return img.extent }

func (img *MemImage) Bands() []string {
	names := make([]string, len(img.bands))
	for i := range img.bands {
		names[i] = img.bands[i].name
	}
	return names
}

func (img *MemImage) Time() time.Time { return img.t }

func (img *MemImage) WithTime(t time.Time) Image {
	out := img.clone()
	out.t = t
	return out
}

func (img *MemImage) clone() *MemImage {
	out := &MemImage{width: img.width, height: img.height, extent: img.extent, t: img.t}
	for _, b := range img.bands {
		pix := make([]float64, len(b.pix))
		copy(pix, b.pix)
		out.bands = append(out.bands, memBand{name: b.name, pix: pix})
	}
	return out
}

func (img *MemImage) bandIndex(name string) (int, error) {
	for i := range img.bands {
		if img.bands[i].name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no band %q (have %v)", name, img.Bands())
}

// At returns the pixel of band index b at column col, row row.
func (img *MemImage) At(b, col, row int) float64 {
	return img.bands[b].pix[row*img.width+col]
}

// Sample returns the nearest-neighbor pixel of band index b at geographic
// coordinates x,y, or NaN outside the image extent.
func (img *MemImage) Sample(b int, x, y float64) float64 {
	if img.extent.Empty() {
		return math.NaN()
	}
	col := int(math.Floor((x - img.extent.MinX) / img.extent.Width() * float64(img.width)))
	row := int(math.Floor((img.extent.MaxY - y) / img.extent.Height() * float64(img.height)))
	if col < 0 || col >= img.width || row < 0 || row >= img.height {
		return math.NaN()
	}
	return img.At(b, col, row)
}

func (img *MemImage) Select(bands ...string) (Image, error) {
	out := &MemImage{width: img.width, height: img.height, extent: img.extent, t: img.t}
	for _, name := range bands {
		i, err := img.bandIndex(name)
		if err != nil {
			return nil, fmt.Errorf("select: %w", err)
		}
		pix := make([]float64, len(img.bands[i].pix))
		copy(pix, img.bands[i].pix)
		out.bands = append(out.bands, memBand{name: name, pix: pix})
	}
	return out, nil
}

func (img *MemImage) Rename(names ...string) (Image, error) {
	if len(names) != len(img.bands) {
		return nil, fmt.Errorf("rename: %d names for %d bands", len(names), len(img.bands))
	}
	out := img.clone()
	for i := range out.bands {
		out.bands[i].name = names[i]
	}
	return out, nil
}

func (img *MemImage) AddBands(other Image) (Image, error) {
	mo, ok := other.(*MemImage)
	if !ok {
		return nil, fmt.Errorf("addbands: mixed image implementations")
	}
	if mo.width != img.width || mo.height != img.height {
		return nil, fmt.Errorf("addbands: grid mismatch %dx%d vs %dx%d",
			img.width, img.height, mo.width, mo.height)
	}
	out := img.clone()
	for _, b := range mo.bands {
		if _, err := img.bandIndex(b.name); err == nil {
			return nil, fmt.Errorf("addbands: duplicate band %q", b.name)
		}
		pix := make([]float64, len(b.pix))
		copy(pix, b.pix)
		out.bands = append(out.bands, memBand{name: b.name, pix: pix})
	}
	return out, nil
}

func (img *MemImage) derive(name string, a, b string, fn func(av, bv float64) float64) (*MemImage, error) {
	ia, err := img.bandIndex(a)
	if err != nil {
		return nil, err
	}
	ib, err := img.bandIndex(b)
	if err != nil {
		return nil, err
	}
	pix := make([]float64, img.width*img.height)
	for i := range pix {
		pix[i] = fn(img.bands[ia].pix[i], img.bands[ib].pix[i])
	}
	return &MemImage{
		width: img.width, height: img.height, extent: img.extent, t: img.t,
		bands: []memBand{{name: name, pix: pix}},
	}, nil
}

func (img *MemImage) NormalizedDifference(a, b string) (Image, error) {
	out, err := img.derive("nd", a, b, func(av, bv float64) float64 {
		sum := av + bv
		if sum == 0 {
			return 0
		}
		return (av - bv) / sum
	})
	if err != nil {
		return nil, fmt.Errorf("normalized difference: %w", err)
	}
	return out, nil
}

func (img *MemImage) Subtract(a, b string) (Image, error) {
	out, err := img.derive("diff", a, b, func(av, bv float64) float64 { return av - bv })
	if err != nil {
		return nil, fmt.Errorf("subtract: %w", err)
	}
	return out, nil
}

func (img *MemImage) compare(name, band string, fn func(v float64) bool) (Image, error) {
	i, err := img.bandIndex(band)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	pix := make([]float64, img.width*img.height)
	for p, v := range img.bands[i].pix {
		switch {
		case math.IsNaN(v):
			pix[p] = math.NaN()
		case fn(v):
			pix[p] = 1
		default:
			pix[p] = 0
		}
	}
	return &MemImage{
		width: img.width, height: img.height, extent: img.extent, t: img.t,
		bands: []memBand{{name: name, pix: pix}},
	}, nil
}

func (img *MemImage) Neq(band string, value float64) (Image, error) {
	return img.compare("neq", band, func(v float64) bool { return v != value })
}

func (img *MemImage) Gt(band string, value float64) (Image, error) {
	return img.compare("gt", band, func(v float64) bool { return v > value })
}

func (img *MemImage) And(other Image) (Image, error) {
	mo, ok := other.(*MemImage)
	if !ok {
		return nil, fmt.Errorf("and: mixed image implementations")
	}
	if len(img.bands) != 1 || len(mo.bands) != 1 {
		return nil, fmt.Errorf("and: masks must be single band")
	}
	if mo.width != img.width || mo.height != img.height {
		return nil, fmt.Errorf("and: grid mismatch")
	}
	pix := make([]float64, img.width*img.height)
	for p := range pix {
		a, b := img.bands[0].pix[p], mo.bands[0].pix[p]
		if !math.IsNaN(a) && a != 0 && !math.IsNaN(b) && b != 0 {
			pix[p] = 1
		}
	}
	return &MemImage{
		width: img.width, height: img.height, extent: img.extent, t: img.t,
		bands: []memBand{{name: "and", pix: pix}},
	}, nil
}

func (img *MemImage) UpdateMask(mask Image) (Image, error) {
	mo, ok := mask.(*MemImage)
	if !ok {
		return nil, fmt.Errorf("updatemask: mixed image implementations")
	}
	if len(mo.bands) != 1 {
		return nil, fmt.Errorf("updatemask: mask must be single band")
	}
	if mo.width != img.width || mo.height != img.height {
		return nil, fmt.Errorf("updatemask: grid mismatch")
	}
	out := img.clone()
	for p, mv := range mo.bands[0].pix {
		if math.IsNaN(mv) || mv == 0 {
			for b := range out.bands {
				out.bands[b].pix[p] = math.NaN()
			}
		}
	}
	return out, nil
}

// Clip masks every pixel whose center falls outside roi. The pixel grid and
// extent are unchanged, so geographic sampling stays registered.
func (img *MemImage) Clip(roi ROI) Image {
	out := img.clone()
	dx := img.extent.Width() / float64(img.width)
	dy := img.extent.Height() / float64(img.height)
	for row := 0; row < img.height; row++ {
		y := img.extent.MaxY - (float64(row)+0.5)*dy
		for col := 0; col < img.width; col++ {
			x := img.extent.MinX + (float64(col)+0.5)*dx
			if !roi.Contains(x, y) {
				for b := range out.bands {
					out.bands[b].pix[row*img.width+col] = math.NaN()
				}
			}
		}
	}
	return out
}

// MemObservation is one catalog entry of a MemCollection.
type MemObservation struct {
	Image      *MemImage
	Properties map[string]interface{}
}

type MemCollection struct {
	obs []MemObservation
	fns []ImageFunc
}

// NewCollection builds an in-memory collection from observations, ordered
// chronologically.
func NewCollection(obs ...MemObservation) *MemCollection {
	sorted := make([]MemObservation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Image.Time().Before(sorted[j].Image.Time())
	})
	return &MemCollection{obs: sorted}
}

func (mc *MemCollection) narrow(keep func(o MemObservation) bool) *MemCollection {
	out := &MemCollection{fns: mc.fns}
	for _, o := range mc.obs {
		if keep(o) {
			out.obs = append(out.obs, o)
		}
	}
	return out
}

func (mc *MemCollection) FilterBounds(roi ROI) Collection {
	return mc.narrow(func(o MemObservation) bool {
		return o.Image.Extent().Intersects(roi)
	})
}

func (mc *MemCollection) FilterDate(start, end time.Time) Collection {
	return mc.narrow(func(o MemObservation) bool {
		t := o.Image.Time()
		return !t.Before(start) && t.Before(end)
	})
}

func (mc *MemCollection) Filter(p Predicate) Collection {
	return mc.narrow(func(o MemObservation) bool {
		return p(o.Properties)
	})
}

func (mc *MemCollection) Map(fn ImageFunc) Collection {
	out := &MemCollection{obs: mc.obs}
	out.fns = append(append([]ImageFunc{}, mc.fns...), fn)
	return out
}

func (mc *MemCollection) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(mc.obs), nil
}

func (mc *MemCollection) evaluate(ctx context.Context) ([]*MemImage, error) {
	imgs := make([]*MemImage, 0, len(mc.obs))
	for _, o := range mc.obs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var img Image = o.Image
		var err error
		for _, fn := range mc.fns {
			if img, err = fn(img); err != nil {
				return nil, err
			}
		}
		mi, ok := img.(*MemImage)
		if !ok {
			return nil, fmt.Errorf("evaluate: mapped image is not a MemImage")
		}
		imgs = append(imgs, mi)
	}
	return imgs, nil
}

func (mc *MemCollection) Median(ctx context.Context) (Image, error) {
	imgs, err := mc.evaluate(ctx)
	if err != nil {
		return nil, fmt.Errorf("median: %w", err)
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("median: empty collection")
	}
	first := imgs[0]
	names := first.Bands()
	for _, img := range imgs[1:] {
		if img.width != first.width || img.height != first.height {
			return nil, fmt.Errorf("median: observations have inconsistent grids")
		}
		others := img.Bands()
		if len(others) != len(names) {
			return nil, fmt.Errorf("median: observations have inconsistent bands")
		}
		for i := range names {
			if others[i] != names[i] {
				return nil, fmt.Errorf("median: observations have inconsistent bands")
			}
		}
	}

	out := &MemImage{width: first.width, height: first.height, extent: first.extent}
	vals := make([]float64, 0, len(imgs))
	for b := range names {
		pix := make([]float64, first.width*first.height)
		for p := range pix {
			vals = vals[:0]
			for _, img := range imgs {
				if v := img.bands[b].pix[p]; !math.IsNaN(v) {
					vals = append(vals, v)
				}
			}
			if len(vals) == 0 {
				pix[p] = math.NaN()
				continue
			}
			sort.Float64s(vals)
			mid := len(vals) / 2
			if len(vals)%2 == 1 {
				pix[p] = vals[mid]
			} else {
				pix[p] = stat.Mean(vals[mid-1:mid+1], nil)
			}
		}
		out.bands = append(out.bands, memBand{name: names[b], pix: pix})
	}
	return out, nil
}
