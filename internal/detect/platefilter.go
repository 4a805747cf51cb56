package detect

import (
	"strings"

	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/roi"
)

// PlateFilter drops plastic detections that are most likely the tray the
// item rests on rather than the item itself. It is a heuristic applied to
// detector output and knows nothing about tracking state.
type PlateFilter struct {
	// MaxConfidence and MinAreaRatio describe a lone plastic detection
	// treated as the tray: weak and covering much of the analysed region.
	MaxConfidence float64
	MinAreaRatio  float64
}

// DefaultPlateFilter returns the thresholds used on the production bin.
func DefaultPlateFilter() PlateFilter {
	return PlateFilter{MaxConfidence: 0.50, MinAreaRatio: 0.35}
}

// Apply returns dets without the detections judged to be the tray. crop is
// the region the detector analysed; area ratios are taken against it.
// With two or more plastic detections the largest is dropped. A single
// plastic detection is dropped only when it is both weak and large.
func (f PlateFilter) Apply(dets []Detection, crop *roi.Rect) []Detection {
	frameArea := roi.FullFrame.Area()
	if crop != nil && !crop.Empty() {
		frameArea = crop.Area()
	}

	plastics := make([]int, 0, len(dets))
	for i, d := range dets {
		if strings.Contains(strings.ToLower(d.ClassName), "plastic") {
			plastics = append(plastics, i)
		}
	}

	drop := -1
	switch {
	case len(plastics) == 1:
		d := dets[plastics[0]]
		ratio := d.Box.Area() / frameArea
		if d.Confidence < f.MaxConfidence && ratio > f.MinAreaRatio {
			drop = plastics[0]
			monitoring.Debugf("plate filter: dropped lone %s conf=%.2f area=%.2f", d.ClassName, d.Confidence, ratio)
		}
	case len(plastics) > 1:
		drop = plastics[0]
		for _, i := range plastics[1:] {
			if dets[i].Box.Area() > dets[drop].Box.Area() {
				drop = i
			}
		}
		monitoring.Debugf("plate filter: dropped largest of %d plastics (%s)", len(plastics), dets[drop].Box)
	}

	if drop < 0 {
		return dets
	}
	out := make([]Detection, 0, len(dets)-1)
	out = append(out, dets[:drop]...)
	return append(out, dets[drop+1:]...)
}
