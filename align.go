package floodfuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/schollz/progressbar/v3"
	"go.airbusds-geo.com/log"
)

// Resampling method selection is driven by data semantics: categorical data
// (class labels) must never gain interpolated in-between classes, continuous
// measurements (reflectance, backscatter) should.
const (
	resampleCategorical = "near"
	resampleContinuous  = "bilinear"
)

// AlignFile resamples srcPath onto the exact grid of refPath: same width,
// height, geotransform and CRS, no implicit clipping or padding. categorical
// selects nearest-neighbor resampling, otherwise bilinear. extraSwitches are
// additional gdalwarp switches and must not touch the grid or resampling
// (callers validate them).
func AlignFile(refPath, srcPath, dstPath string, categorical bool, extraSwitches, creationOptions []string) error {
	ref, err := godal.Open(refPath, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("open reference %s: %w", refPath, err)
	}
	defer ref.Close()

	st := ref.Structure()
	gt, err := ref.GeoTransform()
	if err != nil {
		return fmt.Errorf("reference %s has no geotransform: %w", refPath, err)
	}
	if gt[2] != 0 || gt[4] != 0 {
		return fmt.Errorf("reference %s: rotated grids not supported", refPath)
	}
	srs := ref.Projection()
	if srs == "" {
		return fmt.Errorf("reference %s has no crs", refPath)
	}

	minx := gt[0]
	maxy := gt[3]
	maxx := gt[0] + gt[1]*float64(st.SizeX)
	miny := gt[3] + gt[5]*float64(st.SizeY)

	method := resampleContinuous
	if categorical {
		method = resampleCategorical
	}

	src, err := godal.Open(srcPath, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	switches := append([]string{}, extraSwitches...)
	switches = append(switches,
		"-of", "GTiff",
		"-t_srs", srs,
		"-te", fmt.Sprintf("%.17g", minx), fmt.Sprintf("%.17g", miny),
		fmt.Sprintf("%.17g", maxx), fmt.Sprintf("%.17g", maxy),
		"-ts", fmt.Sprintf("%d", st.SizeX), fmt.Sprintf("%d", st.SizeY),
		"-r", method,
		"-overwrite",
	)
	out, err := src.Warp(dstPath, switches, godal.CreationOption(creationOptions...))
	if err != nil {
		return fmt.Errorf("warp %s onto %s grid: %w", srcPath, refPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dstPath, err)
	}
	return nil
}

// AlignDir aligns every raster of srcDir onto the grid of its same-named
// counterpart in refDir, writing results to dstDir. Reference files with no
// counterpart are warned about and skipped; a per-file alignment failure is
// logged and does not abort the batch.
func AlignDir(ctx context.Context, refDir, srcDir, dstDir string, categorical bool, progress bool, extraSwitches, creationOptions []string) (ExportStats, error) {
	slog := log.Logger(ctx).Sugar()
	stats := ExportStats{}

	refs, err := listTifs(refDir)
	if err != nil {
		return stats, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return stats, fmt.Errorf("create %s: %w", dstDir, err)
	}
	slog.Infof("found %d reference files, aligning %s", len(refs), srcDir)

	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.Default(int64(len(refs)), "align "+filepath.Base(srcDir))
	}
	for i, name := range refs {
		srcPath := filepath.Join(srcDir, name)
		if _, err := os.Stat(srcPath); err != nil {
			slog.Warnf("source file %s not found, skipping", srcPath)
			stats.Skipped++
			if bar != nil {
				bar.Add(1) //nolint:errcheck
			}
			continue
		}
		slog.Infof("aligning %d/%d %s", i+1, len(refs), name)
		err := AlignFile(filepath.Join(refDir, name), srcPath, filepath.Join(dstDir, name),
			categorical, extraSwitches, creationOptions)
		if err != nil {
			slog.Errorf("align %s: %v, skipping", name, err)
			stats.Failed++
		} else {
			stats.Exported++
		}
		if bar != nil {
			bar.Add(1) //nolint:errcheck
		}
	}
	if bar != nil {
		bar.Finish() //nolint:errcheck
	}
	return stats, nil
}
