package floodfuse

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/godal"
	"go.airbusds-geo.com/log"
	"sigs.k8s.io/yaml"
)

// The local catalog backs the pipeline with geotiff scenes on disk instead
// of the remote imagery service: a yaml manifest lists the observations and
// their metadata, and the scenes are loaded into in-memory collections that
// satisfy the same capability surface.

type SceneEntry struct {
	Path   string `json:"path"`
	Sensor string `json:"sensor"` // S1 or S2
	// Time is RFC3339 or a plain 2006-01-02 date.
	Time       string                 `json:"time"`
	Bands      []string               `json:"bands"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

type SceneManifest struct {
	Scenes []SceneEntry `json:"scenes"`
}

// LoadSceneManifest reads a yaml scene manifest.
func LoadSceneManifest(path string) (SceneManifest, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return SceneManifest{}, fmt.Errorf("read %s: %w", path, err)
	}
	m := SceneManifest{}
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return SceneManifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(m.Scenes) == 0 {
		return SceneManifest{}, fmt.Errorf("%s: no scenes", path)
	}
	return m, nil
}

func (e SceneEntry) timestamp() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, e.Time); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", e.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("scene %s: invalid time %q", e.Path, e.Time)
	}
	return t, nil
}

// Collections loads every manifest scene and groups them into one
// collection per sensor.
func (m SceneManifest) Collections(ctx context.Context) (s2, s1 Collection, err error) {
	slog := log.Logger(ctx).Sugar()
	var s2obs, s1obs []MemObservation
	for _, scene := range m.Scenes {
		img, err := loadScene(scene)
		if err != nil {
			return nil, nil, err
		}
		obs := MemObservation{Image: img, Properties: scene.Properties}
		switch strings.ToUpper(scene.Sensor) {
		case "S2":
			s2obs = append(s2obs, obs)
		case "S1":
			s1obs = append(s1obs, obs)
		default:
			return nil, nil, fmt.Errorf("scene %s: unknown sensor %q", scene.Path, scene.Sensor)
		}
	}
	slog.Infof("local catalog: %d s2 scenes, %d s1 scenes", len(s2obs), len(s1obs))
	return NewCollection(s2obs...), NewCollection(s1obs...), nil
}

func loadScene(scene SceneEntry) (*MemImage, error) {
	t, err := scene.timestamp()
	if err != nil {
		return nil, err
	}
	ds, err := godal.Open(scene.Path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open scene %s: %w", scene.Path, err)
	}
	defer ds.Close()

	st := ds.Structure()
	if len(scene.Bands) != st.NBands {
		return nil, fmt.Errorf("scene %s: %d band names for %d bands", scene.Path, len(scene.Bands), st.NBands)
	}
	bounds, err := ds.Bounds()
	if err != nil {
		return nil, fmt.Errorf("scene %s bounds: %w", scene.Path, err)
	}
	extent := ROI{MinX: bounds[0], MinY: bounds[1], MaxX: bounds[2], MaxY: bounds[3]}

	data := make([][]float64, st.NBands)
	for i, band := range ds.Bands() {
		buf := make([]float64, st.SizeX*st.SizeY)
		if err := band.Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
			return nil, fmt.Errorf("read band %d of %s: %w", i+1, scene.Path, err)
		}
		if nodata, ok := band.NoData(); ok {
			for p, v := range buf {
				if v == nodata {
					buf[p] = math.NaN()
				}
			}
		}
		data[i] = buf
	}
	img, err := NewMemImage(st.SizeX, st.SizeY, extent, scene.Bands, data)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", scene.Path, err)
	}
	img.t = t
	return img, nil
}

// GTiffExporter rasterizes in-memory images to geotiff tiles, the local
// counterpart of the remote download capability. Scale is in target CRS
// units per pixel (degrees for geographic systems).
type GTiffExporter struct {
	CreationOptions []string
}

func (e GTiffExporter) Export(ctx context.Context, img Image, region ROI, filename string, scale float64, crs string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mi, ok := img.(*MemImage)
	if !ok {
		return fmt.Errorf("export %s: unsupported image implementation", filename)
	}
	if scale <= 0 {
		return fmt.Errorf("export %s: invalid scale %g", filename, scale)
	}
	epsg, err := parseEPSG(crs)
	if err != nil {
		return fmt.Errorf("export %s: %w", filename, err)
	}

	width := int(math.Round(region.Width() / scale))
	height := int(math.Round(region.Height() / scale))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	names := mi.Bands()

	ds, err := godal.Create(godal.GTiff, filename, len(names), godal.Float32, width, height,
		godal.CreationOption(e.CreationOptions...))
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	if err := ds.SetGeoTransform([6]float64{region.MinX, scale, 0, region.MaxY, 0, -scale}); err != nil {
		ds.Close() //nolint:errcheck
		return fmt.Errorf("set geotransform on %s: %w", filename, err)
	}
	sr, err := godal.NewSpatialRefFromEPSG(epsg)
	if err != nil {
		ds.Close() //nolint:errcheck
		return fmt.Errorf("epsg %d: %w", epsg, err)
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		ds.Close() //nolint:errcheck
		return fmt.Errorf("set crs on %s: %w", filename, err)
	}

	buf := make([]float32, width*height)
	for b, band := range ds.Bands() {
		for row := 0; row < height; row++ {
			y := region.MaxY - (float64(row)+0.5)*scale
			for col := 0; col < width; col++ {
				x := region.MinX + (float64(col)+0.5)*scale
				buf[row*width+col] = float32(mi.Sample(b, x, y))
			}
		}
		if err := band.Write(0, 0, buf, width, height); err != nil {
			ds.Close() //nolint:errcheck
			return fmt.Errorf("write band %s of %s: %w", names[b], filename, err)
		}
	}
	if err := ds.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filename, err)
	}
	return nil
}

func parseEPSG(crs string) (int, error) {
	code := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:")
	epsg, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("unsupported crs %q, expecting EPSG:<code>", crs)
	}
	return epsg, nil
}
