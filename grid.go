package floodfuse

// Grid partitions a ROI into a fixed rows x cols fishnet of cells. Cells are
// immutable once computed and enumerated row major from the north-west
// corner, which downstream resume logic relies on.
type Grid struct {
	rows, cols int
	roi        ROI
	cells      []ROI
}

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

type GridOption func(g *Grid) error

// Rows sets the number of grid rows.
func Rows(n int) GridOption {
	return func(g *Grid) error {
		if n <= 0 {
			return ErrInvalidOption{"rows must be >=1"}
		}
		g.rows = n
		return nil
	}
}

// Cols sets the number of grid columns.
func Cols(n int) GridOption {
	return func(g *Grid) error {
		if n <= 0 {
			return ErrInvalidOption{"cols must be >=1"}
		}
		g.cols = n
		return nil
	}
}

// NewGrid builds the fishnet over roi. Defaults to 4x4.
func NewGrid(roi ROI, opts ...GridOption) (*Grid, error) {
	if roi.Empty() {
		return nil, ErrInvalidOption{"empty roi"}
	}
	g := &Grid{rows: 4, cols: 4, roi: roi}
	for _, o := range opts {
		if err := o(g); err != nil {
			return nil, err
		}
	}
	dx := roi.Width() / float64(g.cols)
	dy := roi.Height() / float64(g.rows)
	for row := 0; row < g.rows; row++ {
		maxy := roi.MaxY - float64(row)*dy
		miny := maxy - dy
		if row == g.rows-1 {
			miny = roi.MinY
		}
		for col := 0; col < g.cols; col++ {
			minx := roi.MinX + float64(col)*dx
			maxx := minx + dx
			if col == g.cols-1 {
				maxx = roi.MaxX
			}
			g.cells = append(g.cells, ROI{MinX: minx, MinY: miny, MaxX: maxx, MaxY: maxy})
		}
	}
	return g, nil
}

func (g *Grid) Rows() int { return g.rows }
func (g *Grid) Cols() int { return g.cols }
func (g *Grid) Size() int { return len(g.cells) }
func (g *Grid) ROI() ROI  { return g.roi }

// Cells returns the grid cells in their fixed enumeration order.
func (g *Grid) Cells() []ROI {
	out := make([]ROI, len(g.cells))
	copy(out, g.cells)
	return out
}
