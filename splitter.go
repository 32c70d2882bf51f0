package floodfuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/schollz/progressbar/v3"
	"go.airbusds-geo.com/log"
)

// TileBandCount is the fixed band count of an exported fused tile:
// 7 S2 reflectance/index bands, 3 S1 radar bands, 1 label band, in that
// positional order. Splitting is positional, so the count is validated
// before any slicing.
const TileBandCount = 11

// Splitter reorganizes exported fused tiles into the per-modality directory
// trees of the dataset layout: S2/ (7 bands), S1/ (3 bands) and labels/
// (1 band, uint8, no nodata). Filenames are preserved so the same tile keys
// every tree.
type Splitter struct {
	S2Dir     string
	S1Dir     string
	LabelDir  string
	creations []string
}

// NewSplitter prepares the three output trees under baseDir. creationOptions
// are handed to the geotiff driver for every output file.
func NewSplitter(baseDir string, creationOptions ...string) (*Splitter, error) {
	s := &Splitter{
		S2Dir:     filepath.Join(baseDir, "S2"),
		S1Dir:     filepath.Join(baseDir, "S1"),
		LabelDir:  filepath.Join(baseDir, "labels"),
		creations: creationOptions,
	}
	for _, d := range []string{s.S2Dir, s.S1Dir, s.LabelDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return s, nil
}

// SplitFile splits one 11-band tile into its three per-modality files,
// preserving georeferencing. A tile that does not carry exactly
// TileBandCount bands violates the input contract and is rejected before
// anything is written.
func (s *Splitter) SplitFile(path string) error {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()

	if n := ds.Structure().NBands; n != TileBandCount {
		return fmt.Errorf("%s has %d bands, expecting %d", path, n, TileBandCount)
	}
	name := filepath.Base(path)

	// S2: bands 1-7
	sw := []string{"-of", "GTiff"}
	for b := 1; b <= len(S2Bands); b++ {
		sw = append(sw, "-b", fmt.Sprintf("%d", b))
	}
	if err := s.translate(ds, filepath.Join(s.S2Dir, name), sw); err != nil {
		return fmt.Errorf("split s2: %w", err)
	}

	// S1: bands 8-10
	sw = []string{"-of", "GTiff"}
	for b := len(S2Bands) + 1; b <= len(S2Bands)+len(S1Bands); b++ {
		sw = append(sw, "-b", fmt.Sprintf("%d", b))
	}
	if err := s.translate(ds, filepath.Join(s.S1Dir, name), sw); err != nil {
		return fmt.Errorf("split s1: %w", err)
	}

	// label: band 11, coerced to uint8 with the float nodata marker cleared
	// (labels are categorical)
	sw = []string{"-of", "GTiff", "-b", fmt.Sprintf("%d", TileBandCount), "-ot", "Byte", "-a_nodata", "none"}
	if err := s.translate(ds, filepath.Join(s.LabelDir, name), sw); err != nil {
		return fmt.Errorf("split label: %w", err)
	}
	return nil
}

func (s *Splitter) translate(ds *godal.Dataset, dst string, switches []string) error {
	out, err := ds.Translate(dst, switches, godal.CreationOption(s.creations...))
	if err != nil {
		return fmt.Errorf("translate to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// SplitDir splits every tile of dir, in lexical order. A bad tile is logged
// and does not abort its siblings.
func (s *Splitter) SplitDir(ctx context.Context, dir string, progress bool) (ExportStats, error) {
	slog := log.Logger(ctx).Sugar()
	stats := ExportStats{}
	tiles, err := listTifs(dir)
	if err != nil {
		return stats, err
	}
	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.Default(int64(len(tiles)), "split tiles")
	}
	for i, tile := range tiles {
		slog.Infof("splitting tile %d/%d %s", i+1, len(tiles), tile)
		if err := s.SplitFile(filepath.Join(dir, tile)); err != nil {
			slog.Errorf("split %s: %v, skipping", tile, err)
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

func listTifs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var tifs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tif") {
			tifs = append(tifs, e.Name())
		}
	}
	sort.Strings(tifs)
	return tifs, nil
}
