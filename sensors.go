package floodfuse

import (
	"time"
)

// Canonical band names of the fused product. Downstream splitting relies on
// this positional order, see splitter.go.
var (
	S2Bands   = []string{"S2_B2", "S2_B3", "S2_B4", "S2_B8", "S2_B11", "S2_NDWI", "S2_MNDWI"}
	S1Bands   = []string{"S1_VV", "S1_VH", "S1_VV_VH_ratio"}
	LabelBand = "LABEL_flood_raw"
)

// DefaultCloudThreshold is the maximum scene-level cloudy pixel percentage
// kept when querying the optical catalog.
const DefaultCloudThreshold = 60

// SCL classes dropped by the optical cloud mask: cloud shadow, medium and
// high probability cloud, thin cirrus. Clear (4) and water (6) survive.
var sclExcluded = []float64{3, 8, 9, 10}

// ProcessS2 narrows an optical collection to the roi/date range, drops
// scenes above cloudThreshold, masks cloudy pixels per the SCL
// classification band and appends the NDWI and MNDWI water indices. The
// returned collection carries the 7 S2Bands in order.
func ProcessS2(col Collection, roi ROI, start, end time.Time, cloudThreshold float64) Collection {
	return col.
		FilterBounds(roi).
		FilterDate(start, end).
		Filter(Lt("CLOUDY_PIXEL_PERCENTAGE", cloudThreshold)).
		Map(maskS2Clouds).
		Map(addWaterIndices).
		Map(selectS2Bands)
}

func maskS2Clouds(img Image) (Image, error) {
	mask, err := img.Neq("SCL", sclExcluded[0])
	if err != nil {
		return nil, err
	}
	for _, class := range sclExcluded[1:] {
		m, err := img.Neq("SCL", class)
		if err != nil {
			return nil, err
		}
		if mask, err = mask.And(m); err != nil {
			return nil, err
		}
	}
	return img.UpdateMask(mask)
}

func addWaterIndices(img Image) (Image, error) {
	// MNDWI = (green - swir) / (green + swir), NDWI = (green - nir) / (green + nir)
	mndwi, err := img.NormalizedDifference("B3", "B11")
	if err != nil {
		return nil, err
	}
	if mndwi, err = mndwi.Rename("S2_MNDWI"); err != nil {
		return nil, err
	}
	ndwi, err := img.NormalizedDifference("B3", "B8")
	if err != nil {
		return nil, err
	}
	if ndwi, err = ndwi.Rename("S2_NDWI"); err != nil {
		return nil, err
	}
	out, err := img.AddBands(mndwi)
	if err != nil {
		return nil, err
	}
	return out.AddBands(ndwi)
}

func selectS2Bands(img Image) (Image, error) {
	out, err := img.Select("B2", "B3", "B4", "B8", "B11", "S2_NDWI", "S2_MNDWI")
	if err != nil {
		return nil, err
	}
	return out.Rename(S2Bands...)
}

// ProcessS1 narrows a radar collection to the roi/date range, keeps IW-mode
// dual polarisation scenes and appends the VV/VH ratio band. Backscatter is
// in dB so the ratio is a plain subtraction. The returned collection carries
// the 3 S1Bands in order.
func ProcessS1(col Collection, roi ROI, start, end time.Time) Collection {
	return col.
		FilterBounds(roi).
		FilterDate(start, end).
		Filter(Eq("instrumentMode", "IW")).
		Filter(ListContains("transmitterReceiverPolarisation", "VV")).
		Filter(ListContains("transmitterReceiverPolarisation", "VH")).
		Map(addSARFeatures)
}

func addSARFeatures(img Image) (Image, error) {
	ratio, err := img.Subtract("VV", "VH")
	if err != nil {
		return nil, err
	}
	if ratio, err = ratio.Rename("S1_VV_VH_ratio"); err != nil {
		return nil, err
	}
	out, err := img.AddBands(ratio)
	if err != nil {
		return nil, err
	}
	if out, err = out.Select("VV", "VH", "S1_VV_VH_ratio"); err != nil {
		return nil, err
	}
	return out.Rename(S1Bands...)
}
