package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/floodfuse"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/joho/godotenv"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/tbonfort/gobs"
	adst "go.airbusds-geo.com/gcp/storage"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

var stcl *storage.Client
var adstcl *adst.Client
var gcsa *osio.Adapter

var verbose bool
var withGCS bool
var blocksize string
var numCachedBlocks int
var startTime time.Time

var copts []string
var roiPath string
var manifestPath string
var startDate, endDate string
var outDir string
var scale float64
var crs string
var rows, cols int
var labelThreshold float64
var cloudThreshold float64
var overwrite bool
var cellIndex int
var uploadPrefix string

var refDir, srcDir, dstDir string
var categorical bool
var warpSwitches string

var srInDir, srOutDir string
var srFactor int

var datasetDir string

var rootCmd = &cobra.Command{
	Use:   "floodfuse",
	Short: "sentinel flood dataset generation cli",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		if !verbose {
			os.Setenv("LOGLEVEL", "info")
			log.Structured()
		}
		godotenv.Load() //nolint:errcheck
		ctx := cmd.Context()
		var err error

		if withGCS {
			if stcl, err = storage.NewClient(ctx); err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
			if adstcl, err = adst.New(ctx, adst.WithStorageClient(stcl)); err != nil {
				return fmt.Errorf("ads storage.new: %w", err)
			}
			gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
			if err != nil {
				return fmt.Errorf("gcs.handle: %w", err)
			}
			gcsa, err = osio.NewAdapter(gcsh, osio.BlockSize(blocksize), osio.NumCachedBlocks(numCachedBlocks))
			if err != nil {
				return fmt.Errorf("osio.new: %w", err)
			}
			if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
				return fmt.Errorf("register osio: %w", err)
			}
		}
		godal.RegisterAll()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Debug("command finished",
			zap.String("command", cmd.Name()),
			zap.Duration("elapsed", time.Since(startTime)))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&withGCS, "gcs", false, "enable gs:// dataset access")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.AddCommand(exportCmd, splitCmd, alignCmd, superresCmd, pipelineCmd, planCmd)

	exportCmd.Flags().StringVar(&roiPath, "roi", "", "roi definition file (yaml: minx/miny/maxx/maxy)")
	exportCmd.Flags().StringVar(&manifestPath, "manifest", "", "scene manifest (yaml)")
	exportCmd.Flags().StringVar(&startDate, "start", "", "start date YYYY-MM-DD (inclusive)")
	exportCmd.Flags().StringVar(&endDate, "end", "", "end date YYYY-MM-DD (inclusive)")
	exportCmd.Flags().StringVar(&outDir, "out", "dataset", "output dataset directory")
	exportCmd.Flags().Float64Var(&scale, "scale", floodfuse.DefaultScale, "ground sample distance, crs units per pixel")
	exportCmd.Flags().StringVar(&crs, "crs", floodfuse.DefaultCRS, "target crs")
	exportCmd.Flags().IntVar(&rows, "rows", 4, "grid rows")
	exportCmd.Flags().IntVar(&cols, "cols", 4, "grid cols")
	exportCmd.Flags().Float64Var(&labelThreshold, "threshold", floodfuse.DefaultLabelThreshold, "mndwi flood label threshold")
	exportCmd.Flags().Float64Var(&cloudThreshold, "cloudThreshold", floodfuse.DefaultCloudThreshold, "max scene cloudy pixel percentage")
	exportCmd.Flags().BoolVar(&overwrite, "overwrite", false, "re-export tiles that already exist (default: resume)")
	exportCmd.Flags().IntVar(&cellIndex, "cell", -1, "restrict export to a single grid cell index")
	exportCmd.Flags().StringVar(&uploadPrefix, "upload", "", "gs://bucket/prefix to upload the split dataset to")
	exportCmd.Flags().StringArrayVar(&copts, "co", nil, "tif creation options")
	exportCmd.MarkFlagRequired("roi")      //nolint:errcheck
	exportCmd.MarkFlagRequired("manifest") //nolint:errcheck
	exportCmd.MarkFlagRequired("start")    //nolint:errcheck
	exportCmd.MarkFlagRequired("end")      //nolint:errcheck

	splitCmd.Flags().StringVar(&outDir, "out", "dataset", "output dataset directory")
	splitCmd.Flags().StringArrayVar(&copts, "co", nil, "tif creation options")

	alignCmd.Flags().StringVar(&refDir, "ref", "", "reference directory (target grid)")
	alignCmd.Flags().StringVar(&srcDir, "src", "", "source directory to align")
	alignCmd.Flags().StringVar(&dstDir, "dst", "", "output directory")
	alignCmd.Flags().BoolVar(&categorical, "labels", false, "categorical data, use nearest-neighbor resampling")
	alignCmd.Flags().StringVar(&warpSwitches, "switches", "", "extra gdalwarp switches")
	alignCmd.Flags().StringArrayVar(&copts, "co", nil, "tif creation options")
	alignCmd.MarkFlagRequired("ref") //nolint:errcheck
	alignCmd.MarkFlagRequired("src") //nolint:errcheck
	alignCmd.MarkFlagRequired("dst") //nolint:errcheck

	superresCmd.Flags().StringVar(&srInDir, "in", "", "input S2 tile directory")
	superresCmd.Flags().StringVar(&srOutDir, "out", "", "output directory")
	superresCmd.Flags().IntVar(&srFactor, "factor", 4, "oversampling factor")
	superresCmd.Flags().StringArrayVar(&copts, "co", nil, "tif creation options")
	superresCmd.MarkFlagRequired("in")  //nolint:errcheck
	superresCmd.MarkFlagRequired("out") //nolint:errcheck

	pipelineCmd.Flags().StringVar(&datasetDir, "dataset", "dataset", "base dataset directory containing S1, S2, labels")
	pipelineCmd.Flags().IntVar(&srFactor, "factor", 4, "oversampling factor")
	pipelineCmd.Flags().StringArrayVar(&copts, "co", nil, "tif creation options")

	initPlanFlags()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// creationOptions merges --co key=value pairs over the tif defaults,
// removing a key when given an empty value.
func creationOptions() []string {
	merged := map[string]string{
		"TILED":    "YES",
		"COMPRESS": "LZW",
	}
	for _, co := range copts {
		k, v, _ := strings.Cut(co, "=")
		if v == "" {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	out := []string{}
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func gdalPreload(paths []string) error {
	pool := gobs.NewPool(25)
	batch := pool.Batch()
	for _, p := range paths {
		p := p
		batch.Submit(func() error {
			ds, err := godal.Open(p)
			if err != nil {
				return err
			}
			ds.Close()
			return nil
		})
	}
	return batch.Wait()
}

func uploadTree(ctx context.Context, localDir, gsPrefix string) error {
	if adstcl == nil {
		return fmt.Errorf("gs:// upload requires --gcs")
	}
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", localDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := gsPrefix + "/" + filepath.Base(localDir) + "/" + e.Name()
		if err := adstcl.UploadFromFile(ctx, dst, filepath.Join(localDir, e.Name())); err != nil {
			return fmt.Errorf("upload %s: %w", dst, err)
		}
	}
	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "fuse daily sensor composites and export the tiled dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		slog := log.Logger(ctx).Sugar()

		start, err := time.Parse("2006-01-02", startDate)
		if err != nil {
			return fmt.Errorf("invalid start date %q: %w", startDate, err)
		}
		end, err := time.Parse("2006-01-02", endDate)
		if err != nil {
			return fmt.Errorf("invalid end date %q: %w", endDate, err)
		}
		roi, err := floodfuse.LoadROI(roiPath)
		if err != nil {
			return err
		}
		manifest, err := floodfuse.LoadSceneManifest(manifestPath)
		if err != nil {
			return err
		}
		scenePaths := make([]string, len(manifest.Scenes))
		for i, s := range manifest.Scenes {
			scenePaths[i] = s.Path
		}
		if err := gdalPreload(scenePaths); err != nil {
			return fmt.Errorf("preload scenes: %w", err)
		}
		s2raw, s1raw, err := manifest.Collections(ctx)
		if err != nil {
			return err
		}

		next := end.Add(24 * time.Hour)
		s2 := floodfuse.ProcessS2(s2raw, roi, start, next, cloudThreshold)
		s1 := floodfuse.ProcessS1(s1raw, roi, start, next)

		fused, err := floodfuse.DailyFusion(ctx, s2, s1, roi, start, end)
		if err != nil {
			return err
		}
		if len(fused) == 0 {
			slog.Warnf("no day in %s..%s has coverage from both sensors", startDate, endDate)
			return nil
		}
		slog.Infof("fused %d days", len(fused))

		grid, err := floodfuse.NewGrid(roi, floodfuse.Rows(rows), floodfuse.Cols(cols))
		if err != nil {
			return err
		}
		co := creationOptions()
		exporter := floodfuse.GTiffExporter{CreationOptions: co}
		cfg := floodfuse.ExportConfig{
			Scale:         scale,
			CRS:           crs,
			Overwrite:     overwrite,
			ExpectedBands: floodfuse.TileBandCount,
			Progress:      !verbose,
		}
		if cellIndex >= 0 {
			cfg.Cell = &cellIndex
		}
		tilesDir := filepath.Join(outDir, "temp_tiles")
		total := floodfuse.ExportStats{}
		for _, img := range fused {
			labeled, err := floodfuse.AddFloodLabel(img.Image, labelThreshold)
			if err != nil {
				return err
			}
			img.Image = labeled
			stats, err := floodfuse.ExportTiles(ctx, exporter, img, grid, tilesDir, cfg)
			if err != nil {
				return err
			}
			total.Exported += stats.Exported
			total.Skipped += stats.Skipped
			total.Failed += stats.Failed
		}
		slog.Infof("export: %s", total)

		splitter, err := floodfuse.NewSplitter(outDir, co...)
		if err != nil {
			return err
		}
		sstats, err := splitter.SplitDir(ctx, tilesDir, !verbose)
		if err != nil {
			return err
		}
		slog.Infof("split: %s", sstats)

		if uploadPrefix != "" {
			for _, d := range []string{splitter.S2Dir, splitter.S1Dir, splitter.LabelDir} {
				if err := uploadTree(ctx, d, strings.TrimSuffix(uploadPrefix, "/")); err != nil {
					return err
				}
			}
		}
		slog.Infof("dataset generated in %s", outDir)
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split tilesdir",
	Short: "split exported fused tiles into S1/S2/labels trees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if _, err := os.Stat(args[0]); err != nil {
			return fmt.Errorf("tiles directory %s: %w", args[0], err)
		}
		splitter, err := floodfuse.NewSplitter(outDir, creationOptions()...)
		if err != nil {
			return err
		}
		stats, err := splitter.SplitDir(ctx, args[0], !verbose)
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("split: %s", stats)
		return nil
	},
}

// checkWarpSwitches rejects user switches that would fight the alignment
// contract (grid and resampling are derived, not configured).
func checkWarpSwitches(sw []string) error {
	for _, s := range sw {
		switch s {
		case "-te", "-ts", "-tr", "-t_srs", "-r", "-overwrite":
			return fmt.Errorf("%s switch not allowed", s)
		}
	}
	return nil
}

var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "resample a directory of rasters onto the grid of same-named reference rasters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if _, err := os.Stat(refDir); err != nil {
			return fmt.Errorf("reference directory %s: %w", refDir, err)
		}
		extra, err := shellwords.Parse(warpSwitches)
		if err != nil {
			return fmt.Errorf("invalid switches: %w", err)
		}
		if err := checkWarpSwitches(extra); err != nil {
			return err
		}
		stats, err := floodfuse.AlignDir(ctx, refDir, srcDir, dstDir, categorical, !verbose,
			extra, creationOptions())
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("align: %s", stats)
		return nil
	},
}

var superresCmd = &cobra.Command{
	Use:   "superres",
	Short: "super-resolve S2 tiles (4 rgbn bands) by the oversampling factor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if _, err := os.Stat(srInDir); err != nil {
			return fmt.Errorf("input directory %s: %w", srInDir, err)
		}
		// the learned model plugs in through the Upsampler interface; the
		// built-in interpolator keeps the driver usable without it
		up := floodfuse.BilinearUpsampler{F: srFactor}
		stats, err := floodfuse.ApplySuperResolutionDir(ctx, up, srInDir, srOutDir, !verbose, creationOptions()...)
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("superres: %s", stats)
		return nil
	},
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "run super-resolution then re-align S1 and labels onto the new grid",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		slog := log.Logger(ctx).Sugar()

		s2In := filepath.Join(datasetDir, "S2")
		s2Out := filepath.Join(datasetDir, "S2_HighRes")
		s1In := filepath.Join(datasetDir, "S1")
		s1Out := filepath.Join(datasetDir, "S1_HighRes")
		labelIn := filepath.Join(datasetDir, "labels")
		labelOut := filepath.Join(datasetDir, "labels_HighRes")

		if _, err := os.Stat(s2In); err != nil {
			return fmt.Errorf("input S2 directory %s does not exist, run export first: %w", s2In, err)
		}
		co := creationOptions()

		slog.Infof("step 1: super-resolving %s", s2In)
		up := floodfuse.BilinearUpsampler{F: srFactor}
		stats, err := floodfuse.ApplySuperResolutionDir(ctx, up, s2In, s2Out, !verbose, co...)
		if err != nil {
			return err
		}
		slog.Infof("superres: %s", stats)

		if _, err := os.Stat(s1In); err == nil {
			slog.Infof("step 2: aligning %s", s1In)
			stats, err := floodfuse.AlignDir(ctx, s2Out, s1In, s1Out, false, !verbose, nil, co)
			if err != nil {
				return err
			}
			slog.Infof("align S1: %s", stats)
		} else {
			slog.Warnf("no S1 directory at %s, skipping", s1In)
		}
		if _, err := os.Stat(labelIn); err == nil {
			slog.Infof("step 3: aligning %s", labelIn)
			stats, err := floodfuse.AlignDir(ctx, s2Out, labelIn, labelOut, true, !verbose, nil, co)
			if err != nil {
				return err
			}
			slog.Infof("align labels: %s", stats)
		} else {
			slog.Warnf("no labels directory at %s, skipping", labelIn)
		}

		slog.Infof("high res dataset available at %s, %s and %s", s2Out, s1Out, labelOut)
		return nil
	},
}
