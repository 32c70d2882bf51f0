package floodfuse

import (
	"context"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// ROI is the geographic region all processing is scoped to, in the
// coordinates of the source imagery (lon/lat for the public catalogs). The
// bounding rectangle is authoritative for gridding and export extents; an
// optional polygon ring further narrows point containment (used by Clip).
type ROI struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
	// Ring is an optional closed polygon as [x,y] vertices. The last vertex
	// may repeat the first; it is implied closed either way.
	Ring [][2]float64 `json:"ring,omitempty"`
}

func (r ROI) Width() float64  { return r.MaxX - r.MinX }
func (r ROI) Height() float64 { return r.MaxY - r.MinY }

func (r ROI) Empty() bool {
	return r.MaxX <= r.MinX || r.MaxY <= r.MinY
}

func (r ROI) Intersects(other ROI) bool {
	return r.MinX < other.MaxX && other.MinX < r.MaxX &&
		r.MinY < other.MaxY && other.MinY < r.MaxY
}

func (r ROI) Intersection(other ROI) ROI {
	i := ROI{
		MinX: math64Max(r.MinX, other.MinX),
		MinY: math64Max(r.MinY, other.MinY),
		MaxX: math64Min(r.MaxX, other.MaxX),
		MaxY: math64Min(r.MaxY, other.MaxY),
	}
	if i.Empty() {
		return ROI{}
	}
	return i
}

func (r ROI) Contains(x, y float64) bool {
	if x < r.MinX || x > r.MaxX || y < r.MinY || y > r.MaxY {
		return false
	}
	if len(r.Ring) < 3 {
		return true
	}
	// even-odd ray cast against the ring
	in := false
	n := len(r.Ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := r.Ring[i][0], r.Ring[i][1]
		xj, yj := r.Ring[j][0], r.Ring[j][1]
		if (yi > y) != (yj > y) &&
			x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

func math64Max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func math64Min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// LoadROI reads a yaml/json roi definition {minx,miny,maxx,maxy}.
func LoadROI(path string) (ROI, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ROI{}, fmt.Errorf("read %s: %w", path, err)
	}
	roi := ROI{}
	if err := yaml.Unmarshal(buf, &roi); err != nil {
		return ROI{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if roi.MinX == 0 && roi.MaxX == 0 && roi.MinY == 0 && roi.MaxY == 0 && len(roi.Ring) >= 3 {
		// bounding rectangle derived from the ring when only the ring is given
		roi.MinX, roi.MinY = roi.Ring[0][0], roi.Ring[0][1]
		roi.MaxX, roi.MaxY = roi.Ring[0][0], roi.Ring[0][1]
		for _, v := range roi.Ring[1:] {
			roi.MinX = math64Min(roi.MinX, v[0])
			roi.MaxX = math64Max(roi.MaxX, v[0])
			roi.MinY = math64Min(roi.MinY, v[1])
			roi.MaxY = math64Max(roi.MaxY, v[1])
		}
	}
	if roi.Empty() {
		return ROI{}, fmt.Errorf("parse %s: empty or inverted extent", path)
	}
	return roi, nil
}

// Predicate filters observations by their catalog metadata.
type Predicate func(props map[string]interface{}) bool

// Lt matches observations whose numeric property name is strictly less than value.
func Lt(name string, value float64) Predicate {
	return func(props map[string]interface{}) bool {
		v, ok := propFloat(props[name])
		return ok && v < value
	}
}

// Eq matches observations whose property name equals value.
func Eq(name string, value interface{}) Predicate {
	return func(props map[string]interface{}) bool {
		if fv, ok := propFloat(value); ok {
			pv, pok := propFloat(props[name])
			return pok && pv == fv
		}
		return props[name] == value
	}
}

// ListContains matches observations whose list property name contains value.
func ListContains(name string, value string) Predicate {
	return func(props map[string]interface{}) bool {
		switch l := props[name].(type) {
		case []string:
			for _, s := range l {
				if s == value {
					return true
				}
			}
		case []interface{}:
			for _, s := range l {
				if s == value {
					return true
				}
			}
		}
		return false
	}
}

func propFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Image is a single multi-band raster held by the imagery service. All band
// algebra is pure: operations return a derived image and leave the receiver
// untouched. Operations referencing a band that does not exist return an
// error instead of producing corrupt derived bands.
type Image interface {
	// Bands returns the band names in their fixed order.
	Bands() []string
	Time() time.Time
	WithTime(t time.Time) Image

	Select(bands ...string) (Image, error)
	Rename(names ...string) (Image, error)
	AddBands(other Image) (Image, error)

	// NormalizedDifference computes (a-b)/(a+b) as a single band named "nd".
	NormalizedDifference(a, b string) (Image, error)
	// Subtract computes a-b as a single band named "diff".
	Subtract(a, b string) (Image, error)

	// Neq and Gt produce single-band 0/1 masks from a band comparison.
	Neq(band string, value float64) (Image, error)
	Gt(band string, value float64) (Image, error)
	// And intersects two single-band masks.
	And(other Image) (Image, error)

	// UpdateMask invalidates every pixel where mask is 0 or masked.
	UpdateMask(mask Image) (Image, error)

	// Clip masks pixels outside roi without changing the pixel grid.
	Clip(roi ROI) Image
}

// ImageFunc is a pure per-observation transform applied lazily by Collection.Map.
type ImageFunc func(Image) (Image, error)

// Collection is an ordered, filterable set of observations held by the
// imagery service. Filters are pure and composable: each returns a narrowed
// collection and never mutates the source. Size and Median evaluate the
// collection and block on the remote service, so they take a context.
type Collection interface {
	FilterBounds(roi ROI) Collection
	// FilterDate keeps observations with start <= t < end.
	FilterDate(start, end time.Time) Collection
	Filter(p Predicate) Collection
	Map(fn ImageFunc) Collection

	Size(ctx context.Context) (int, error)
	// Median reduces the collection to one image by per-pixel, per-band
	// median over all observations, ignoring masked pixels.
	Median(ctx context.Context) (Image, error)
}
