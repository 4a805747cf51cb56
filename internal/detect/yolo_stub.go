//go:build !gocv

package detect

import (
	"context"

	"github.com/banshee-data/sortbin/internal/roi"
)

// YOLODetector is unavailable without the gocv build tag.
type YOLODetector struct{}

// NewYOLO always fails in builds without OpenCV.
func NewYOLO(YOLOConfig) (*YOLODetector, error) {
	return nil, ErrNoInference
}

func (*YOLODetector) Detect(context.Context, Frame, *roi.Rect) ([]Detection, error) {
	return nil, ErrNoInference
}

func (*YOLODetector) Close() error { return nil }
