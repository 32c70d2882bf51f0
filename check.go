package floodfuse

import (
	"fmt"
	"os"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

// ValidateTile checks that an exported tile honors the on-disk contract
// before anything downstream trusts it: a parseable (big)tiff with the
// expected number of samples per pixel, consistent strile layout and
// georeferencing tags. expectedBands <= 0 skips the band count check.
func ValidateTile(path string, expectedBands int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	tif, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return fmt.Errorf("parse tiff %s: %w", path, err)
	}
	ifds := tif.IFDs()
	if len(ifds) == 0 {
		return fmt.Errorf("%s: no ifd", path)
	}
	if err := checkIFD(ifds[0], expectedBands); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func checkIFD(ifd tiff.IFD, expectedBands int) error {
	if expectedBands > 0 {
		spp := ifd.GetField(277)
		if spp == nil {
			return fmt.Errorf("no samples per pixel")
		}
		v := spp.Value()
		n := int(v.Order().Uint16(v.Bytes()))
		if n != expectedBands {
			return fmt.Errorf("%d bands, expecting %d", n, expectedBands)
		}
	}

	// strips or tiles, with consistent offset/bytecount pairs
	to, tl := ifd.GetField(324), ifd.GetField(325)
	so, sl := ifd.GetField(273), ifd.GetField(279)
	switch {
	case to != nil && tl != nil:
		if to.Count() != tl.Count() {
			return fmt.Errorf("inconsistent tile off/len count")
		}
	case so != nil && sl != nil:
		if so.Count() != sl.Count() {
			return fmt.Errorf("inconsistent strip off/len count")
		}
	default:
		return fmt.Errorf("no strips or tiles")
	}

	// georeferencing: pixel scale + tiepoint, or a full transformation matrix
	if ifd.GetField(34264) == nil &&
		(ifd.GetField(33550) == nil || ifd.GetField(33922) == nil) {
		return fmt.Errorf("no georeferencing tags")
	}
	return nil
}
