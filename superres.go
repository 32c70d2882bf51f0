package floodfuse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/schollz/progressbar/v3"
	"go.airbusds-geo.com/log"
)

// Upsampler is the super-resolution model boundary. It receives 4
// reflectance bands ordered [red, green, blue, nir], normalized to [0,1],
// and returns the same bands at Factor() times the resolution. The learned
// model stays outside this module; anything satisfying this interface plugs
// in.
type Upsampler interface {
	Factor() int
	Upsample(ctx context.Context, bands [][]float32, width, height int) ([][]float32, error)
}

// ErrTooFewBands flags an input tile without the 4 bands the model needs.
var ErrTooFewBands = errors.New("not enough bands, need 4 for rgbn")

// rgbn maps the model band order onto the 7-band S2 tile layout:
// red=B4(3), green=B3(2), blue=B2(1), nir=B8(4), 1-based.
var rgbn = [4]int{3, 2, 1, 4}

const reflectanceScale = 10000.0

// ApplySuperResolution feeds one S2 tile through the upsampler and writes
// the super-resolved result: float32, 4 bands, geotransform pixel size
// scaled by 1/factor, CRS preserved.
func ApplySuperResolution(ctx context.Context, up Upsampler, srcPath, dstPath string, creationOptions ...string) error {
	ds, err := godal.Open(srcPath, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.NBands < len(rgbn) {
		return fmt.Errorf("%s: %w", srcPath, ErrTooFewBands)
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return fmt.Errorf("%s has no geotransform: %w", srcPath, err)
	}

	bands := ds.Bands()
	isUint16 := bands[0].Structure().DataType == godal.UInt16
	input := make([][]float32, len(rgbn))
	for i, b := range rgbn {
		buf := make([]float32, st.SizeX*st.SizeY)
		if err := bands[b-1].Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
			return fmt.Errorf("read band %d of %s: %w", b, srcPath, err)
		}
		for p, v := range buf {
			f := float64(v)
			if isUint16 {
				f /= reflectanceScale
			}
			switch {
			case math.IsNaN(f):
				f = 0
			case f < 0:
				f = 0
			case f > 1:
				f = 1
			}
			buf[p] = float32(f)
		}
		input[i] = buf
	}

	output, err := up.Upsample(ctx, input, st.SizeX, st.SizeY)
	if err != nil {
		return fmt.Errorf("upsample %s: %w", srcPath, err)
	}
	factor := up.Factor()
	outW, outH := st.SizeX*factor, st.SizeY*factor
	if len(output) != len(rgbn) {
		return fmt.Errorf("upsample %s: %d bands returned, expecting %d", srcPath, len(output), len(rgbn))
	}
	for i := range output {
		if len(output[i]) != outW*outH {
			return fmt.Errorf("upsample %s: band %d has %d pixels, expecting %d",
				srcPath, i, len(output[i]), outW*outH)
		}
	}

	scale := 1.0 / float64(factor)
	newGT := [6]float64{gt[0], gt[1] * scale, gt[2] * scale, gt[3], gt[4] * scale, gt[5] * scale}

	out, err := godal.Create(godal.GTiff, dstPath, len(rgbn), godal.Float32, outW, outH,
		godal.CreationOption(creationOptions...))
	if err != nil {
		return fmt.Errorf("create %s: %w", dstPath, err)
	}
	if err := out.SetGeoTransform(newGT); err != nil {
		out.Close() //nolint:errcheck
		return fmt.Errorf("set geotransform on %s: %w", dstPath, err)
	}
	if srs := ds.Projection(); srs != "" {
		if err := out.SetProjection(srs); err != nil {
			out.Close() //nolint:errcheck
			return fmt.Errorf("set projection on %s: %w", dstPath, err)
		}
	}
	for i, band := range out.Bands() {
		if err := band.Write(0, 0, output[i], outW, outH); err != nil {
			out.Close() //nolint:errcheck
			return fmt.Errorf("write band %d of %s: %w", i+1, dstPath, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dstPath, err)
	}
	return nil
}

// ApplySuperResolutionDir runs the upsampler over every tile of srcDir,
// skipping tiles already present in dstDir (resume mode) and tiles without
// enough bands. Per-file failures are logged and do not abort the batch.
func ApplySuperResolutionDir(ctx context.Context, up Upsampler, srcDir, dstDir string, progress bool, creationOptions ...string) (ExportStats, error) {
	slog := log.Logger(ctx).Sugar()
	stats := ExportStats{}

	tiles, err := listTifs(srcDir)
	if err != nil {
		return stats, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return stats, fmt.Errorf("create %s: %w", dstDir, err)
	}
	slog.Infof("found %d tiles to super-resolve", len(tiles))

	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.Default(int64(len(tiles)), "super-resolve")
	}
	for i, name := range tiles {
		dstPath := filepath.Join(dstDir, name)
		if _, err := os.Stat(dstPath); err == nil {
			slog.Infof("[%d/%d] %s already exists, skipping", i+1, len(tiles), name)
			stats.Skipped++
			if bar != nil {
				bar.Add(1) //nolint:errcheck
			}
			continue
		}
		slog.Infof("[%d/%d] processing %s", i+1, len(tiles), name)
		err := ApplySuperResolution(ctx, up, filepath.Join(srcDir, name), dstPath, creationOptions...)
		switch {
		case errors.Is(err, ErrTooFewBands):
			slog.Warnf("%s: %v, skipping", name, err)
			stats.Skipped++
		case err != nil:
			slog.Errorf("%s: %v, skipping", name, err)
			stats.Failed++
		default:
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

// BilinearUpsampler is a plain interpolating stand-in for the learned model,
// useful for wiring tests and dry runs of the directory drivers.
type BilinearUpsampler struct {
	F int
}

func (b BilinearUpsampler) Factor() int {
	if b.F <= 0 {
		return 4
	}
	return b.F
}

func (b BilinearUpsampler) Upsample(ctx context.Context, bands [][]float32, width, height int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := b.Factor()
	outW, outH := width*f, height*f
	out := make([][]float32, len(bands))
	for bi, src := range bands {
		if len(src) != width*height {
			return nil, fmt.Errorf("band %d has %d pixels, expecting %d", bi, len(src), width*height)
		}
		dst := make([]float32, outW*outH)
		for y := 0; y < outH; y++ {
			sy := (float64(y)+0.5)/float64(f) - 0.5
			y0 := int(math.Floor(sy))
			fy := sy - float64(y0)
			y1 := y0 + 1
			if y0 < 0 {
				y0, y1, fy = 0, 0, 0
			}
			if y1 >= height {
				y1 = height - 1
				if y0 >= height {
					y0 = height - 1
				}
			}
			for x := 0; x < outW; x++ {
				sx := (float64(x)+0.5)/float64(f) - 0.5
				x0 := int(math.Floor(sx))
				fx := sx - float64(x0)
				x1 := x0 + 1
				if x0 < 0 {
					x0, x1, fx = 0, 0, 0
				}
				if x1 >= width {
					x1 = width - 1
					if x0 >= width {
						x0 = width - 1
					}
				}
				v00 := float64(src[y0*width+x0])
				v01 := float64(src[y0*width+x1])
				v10 := float64(src[y1*width+x0])
				v11 := float64(src[y1*width+x1])
				top := v00 + (v01-v00)*fx
				bot := v10 + (v11-v10)*fx
				dst[y*outW+x] = float32(top + (bot-top)*fy)
			}
		}
		out[bi] = dst
	}
	return out, nil
}
