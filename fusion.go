package floodfuse

import (
	"context"
	"fmt"
	"time"

	"go.airbusds-geo.com/log"
)

// FusedImage is the daily composite of both sensors, tagged with the day it
// represents.
type FusedImage struct {
	Image Image
	Date  time.Time
}

// DateString returns the day key used in tile filenames.
func (f FusedImage) DateString() string {
	return f.Date.Format("2006-01-02")
}

// DailyFusion walks every calendar day of [start,end] (inclusive, in
// chronological order) and composites the two processed sensor collections
// into one fused image per day. A day qualifies only when both sensors have
// at least one observation in [d, d+1day): days missing either sensor are
// dropped entirely, never emitted as placeholders. Each sensor's same-day
// observations are reduced by per-pixel median before the band sets are
// concatenated (S2 first, then S1) and clipped to the roi.
func DailyFusion(ctx context.Context, s2, s1 Collection, roi ROI, start, end time.Time) ([]FusedImage, error) {
	slog := log.Logger(ctx).Sugar()
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return nil, fmt.Errorf("fusion: end date %s before start date %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	var fused []FusedImage
	for day := start; !day.After(end); day = day.Add(24 * time.Hour) {
		next := day.Add(24 * time.Hour)
		s2day := s2.FilterDate(day, next)
		s1day := s1.FilterDate(day, next)

		n2, err := s2day.Size(ctx)
		if err != nil {
			return nil, fmt.Errorf("fusion %s: s2 size: %w", day.Format("2006-01-02"), err)
		}
		n1, err := s1day.Size(ctx)
		if err != nil {
			return nil, fmt.Errorf("fusion %s: s1 size: %w", day.Format("2006-01-02"), err)
		}
		if n2 == 0 || n1 == 0 {
			slog.Debugf("day %s: s2=%d s1=%d observations, skipping", day.Format("2006-01-02"), n2, n1)
			continue
		}

		m2, err := s2day.Median(ctx)
		if err != nil {
			return nil, fmt.Errorf("fusion %s: s2 median: %w", day.Format("2006-01-02"), err)
		}
		m1, err := s1day.Median(ctx)
		if err != nil {
			return nil, fmt.Errorf("fusion %s: s1 median: %w", day.Format("2006-01-02"), err)
		}
		img, err := m2.AddBands(m1)
		if err != nil {
			return nil, fmt.Errorf("fusion %s: merge bands: %w", day.Format("2006-01-02"), err)
		}
		img = img.Clip(roi).WithTime(day)
		slog.Debugf("day %s: fused %d s2 + %d s1 observations", day.Format("2006-01-02"), n2, n1)
		fused = append(fused, FusedImage{Image: img, Date: day})
	}
	return fused, nil
}

// DefaultLabelThreshold marks water where MNDWI exceeds it. The usual tuning
// range is [-0.2, 0.2].
const DefaultLabelThreshold = 0.0

// AddFloodLabel derives the weak flood label from the fused water index and
// appends it as the LABEL_flood_raw band: 1 where MNDWI > threshold, 0
// elsewhere, masked where the index is masked.
func AddFloodLabel(img Image, threshold float64) (Image, error) {
	flood, err := img.Gt("S2_MNDWI", threshold)
	if err != nil {
		return nil, fmt.Errorf("flood label: %w", err)
	}
	if flood, err = flood.Rename(LabelBand); err != nil {
		return nil, fmt.Errorf("flood label: %w", err)
	}
	out, err := img.AddBands(flood)
	if err != nil {
		return nil, fmt.Errorf("flood label: %w", err)
	}
	return out, nil
}
