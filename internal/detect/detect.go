// Package detect adapts object detectors to the bin's analysis loop. A
// Detector turns one camera frame, optionally cropped to a region of
// interest, into class/confidence/box triples in full-frame coordinates.
package detect

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/sortbin/internal/roi"
)

var ErrEmptyFrame = errors.New("empty frame")

// Detection is one object found in a frame. Box is normalized to the full
// frame regardless of any crop applied before inference.
type Detection struct {
	ClassName  string   `json:"class"`
	Confidence float64  `json:"confidence"`
	Box        roi.Rect `json:"box"`
}

// Frame is an encoded camera image. Data must not be modified once the
// frame has been handed to the analysis loop.
type Frame struct {
	Seq       uint64
	Data      []byte
	Width     int
	Height    int
	Rotation  int // degrees clockwise to bring the frame upright
	Timestamp time.Time
}

// Detector runs inference on a frame. crop, when non-nil, restricts
// inference to that normalized region of the frame.
type Detector interface {
	Detect(ctx context.Context, frame Frame, crop *roi.Rect) ([]Detection, error)
}

// DetectorFunc lets an ordinary function act as a Detector.
type DetectorFunc func(ctx context.Context, frame Frame, crop *roi.Rect) ([]Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, frame Frame, crop *roi.Rect) ([]Detection, error) {
	return f(ctx, frame, crop)
}

// Top returns the highest-confidence detection. Ties keep the first seen.
func Top(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

// ToFrame maps a box expressed relative to crop back into full-frame
// coordinates. A nil crop returns the box unchanged.
func ToFrame(box roi.Rect, crop *roi.Rect) roi.Rect {
	if crop == nil {
		return box
	}
	return box.Within(*crop)
}
