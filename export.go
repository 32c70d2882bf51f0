package floodfuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"go.airbusds-geo.com/log"
)

// Exporter materializes one image clipped to a region into a geotiff on
// disk, at the requested ground sample distance and CRS. The remote imagery
// service provides this as a blocking download; the local catalog mode
// rasterizes in-process.
type Exporter interface {
	Export(ctx context.Context, img Image, region ROI, filename string, scale float64, crs string) error
}

// DefaultScale is the export ground sample distance, in target CRS units per
// pixel.
const DefaultScale = 10.0

// DefaultCRS is the export coordinate reference system.
const DefaultCRS = "EPSG:4326"

type ExportConfig struct {
	// Scale is the target ground sample distance. Defaults to DefaultScale.
	Scale float64
	// CRS is the target coordinate system. Defaults to DefaultCRS.
	CRS string
	// Overwrite re-exports tiles whose output file already exists. When
	// false (resume mode, the default) those tiles are skipped.
	Overwrite bool
	// Cell restricts the run to a single grid cell index; nil (the zero
	// value) exports every cell.
	Cell *int
	// ExpectedBands, when >0, validates each exported tile's band count and
	// structure; tiles failing validation are removed and counted as failed.
	ExpectedBands int
	// Progress draws a per-tile progress bar on stderr.
	Progress bool
}

func (cfg ExportConfig) withDefaults() ExportConfig {
	if cfg.Scale == 0 {
		cfg.Scale = DefaultScale
	}
	if cfg.CRS == "" {
		cfg.CRS = DefaultCRS
	}
	return cfg
}

// ExportStats counts per-tile outcomes of one driver run.
type ExportStats struct {
	Exported int
	Skipped  int
	Failed   int
}

func (s ExportStats) String() string {
	return fmt.Sprintf("%d exported, %d skipped, %d failed", s.Exported, s.Skipped, s.Failed)
}

// TileFilename is the stable key shared by every directory tree a tile
// appears in.
func TileFilename(day string, cell int) string {
	if day == "" {
		return fmt.Sprintf("tile_%d.tif", cell)
	}
	return fmt.Sprintf("tile_%s_%d.tif", day, cell)
}

// ExportTiles drives the per-cell export of one fused image over the grid,
// in fixed cell order. Tiles whose output already exists are skipped unless
// overwrite is set, and a failed tile is logged and never aborts the batch:
// a re-run in resume mode retries exactly the missing tiles.
func ExportTiles(ctx context.Context, exp Exporter, img FusedImage, grid *Grid, dir string, cfg ExportConfig) (ExportStats, error) {
	cfg = cfg.withDefaults()
	slog := log.Logger(ctx).Sugar()
	stats := ExportStats{}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stats, fmt.Errorf("create %s: %w", dir, err)
	}
	cells := grid.Cells()
	if cfg.Cell != nil && (*cfg.Cell < 0 || *cfg.Cell >= len(cells)) {
		return stats, fmt.Errorf("cell %d out of range, grid has %d cells", *cfg.Cell, len(cells))
	}

	var bar *progressbar.ProgressBar
	if cfg.Progress {
		bar = progressbar.Default(int64(len(cells)), "export "+img.DateString())
	}
	for i, cell := range cells {
		if cfg.Cell != nil && i != *cfg.Cell {
			continue
		}
		fname := filepath.Join(dir, TileFilename(img.DateString(), i))
		if !cfg.Overwrite {
			if _, err := os.Stat(fname); err == nil {
				slog.Infof("tile %d/%d exists, skipping (resume mode)", i+1, len(cells))
				stats.Skipped++
				if bar != nil {
					bar.Add(1) //nolint:errcheck
				}
				continue
			}
		}
		slog.Infof("exporting tile %d/%d", i+1, len(cells))
		if err := exp.Export(ctx, img.Image, cell, fname, cfg.Scale, cfg.CRS); err != nil {
			slog.Errorf("tile %d: %v, skipping", i, err)
			stats.Failed++
			if bar != nil {
				bar.Add(1) //nolint:errcheck
			}
			continue
		}
		if cfg.ExpectedBands > 0 {
			if err := ValidateTile(fname, cfg.ExpectedBands); err != nil {
				slog.Errorf("tile %d failed validation: %v, discarding", i, err)
				os.Remove(fname) //nolint:errcheck
				stats.Failed++
				if bar != nil {
					bar.Add(1) //nolint:errcheck
				}
				continue
			}
		}
		stats.Exported++
		if bar != nil {
			bar.Add(1) //nolint:errcheck
		}
	}
	if bar != nil {
		bar.Finish() //nolint:errcheck
	}
	return stats, nil
}
