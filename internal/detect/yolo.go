//go:build gocv

package detect

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/roi"
)

// YOLODetector runs a YOLOv8 ONNX export through OpenCV's DNN module.
type YOLODetector struct {
	mu        sync.Mutex
	net       gocv.Net
	config    YOLOConfig
	inputSize image.Point
}

// NewYOLO loads the model described by cfg.
func NewYOLO(cfg YOLOConfig) (*YOLODetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s: %w", cfg.ModelPath, err)
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("no class labels configured for %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLODetector{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Detect decodes the frame, applies rotation and crop, and returns the
// detections above the confidence threshold in full-frame coordinates.
func (d *YOLODetector) Detect(ctx context.Context, frame Frame, crop *roi.Rect) ([]Detection, error) {
	if len(frame.Data) == 0 {
		return nil, ErrEmptyFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, ErrEmptyFrame
	}

	if code, ok := rotateCode(frame.Rotation); ok {
		rotated := gocv.NewMat()
		defer rotated.Close()
		gocv.Rotate(img, &rotated, code)
		img, rotated = rotated, img
	}

	analysed := img
	if crop != nil && !crop.Empty() {
		w, h := float64(img.Cols()), float64(img.Rows())
		rect := image.Rect(int(crop.Left*w), int(crop.Top*h), int(crop.Right*w), int(crop.Bottom*h))
		region := img.Region(rect)
		defer region.Close()
		analysed = region
	}

	blob := gocv.BlobFromImage(analysed, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	dets, err := d.parse(output)
	if err != nil {
		return nil, err
	}
	for i := range dets {
		dets[i].Box = ToFrame(dets[i].Box, crop)
	}
	if len(dets) > 0 {
		monitoring.Debugf("yolo: %d detection(s) in frame %d", len(dets), frame.Seq)
	}
	return dets, nil
}

// parse reads a [1, 4+classes, anchors] YOLOv8 tensor. Boxes come back
// normalized to the analysed image.
func (d *YOLODetector) parse(output gocv.Mat) ([]Detection, error) {
	sizes := output.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	attrs, anchors := sizes[1], sizes[2]
	if attrs-4 != len(d.config.Labels) {
		return nil, fmt.Errorf("model has %d classes, %d labels configured", attrs-4, len(d.config.Labels))
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output tensor: %w", err)
	}

	inW, inH := float32(d.config.InputWidth), float32(d.config.InputHeight)
	var (
		boxes       []image.Rectangle
		confidences []float32
		classIDs    []int
	)
	for i := 0; i < anchors; i++ {
		maxScore, classID := float32(0), 0
		for c := 4; c < attrs; c++ {
			if s := data[c*anchors+i]; s > maxScore {
				maxScore, classID = s, c-4
			}
		}
		if maxScore < d.config.ConfidenceThresh {
			continue
		}
		cx, cy := data[i], data[anchors+i]
		w, h := data[2*anchors+i], data[3*anchors+i]
		boxes = append(boxes, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		confidences = append(confidences, maxScore)
		classIDs = append(classIDs, classID)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, d.config.ConfidenceThresh, d.config.NMSThresh)
	dets := make([]Detection, 0, len(indices))
	for _, idx := range indices {
		b := boxes[idx]
		dets = append(dets, Detection{
			ClassName:  d.config.Labels[classIDs[idx]],
			Confidence: float64(confidences[idx]),
			Box: roi.Rect{
				Left:   float64(float32(b.Min.X) / inW),
				Top:    float64(float32(b.Min.Y) / inH),
				Right:  float64(float32(b.Max.X) / inW),
				Bottom: float64(float32(b.Max.Y) / inH),
			}.Clamp(),
		})
	}
	return dets, nil
}

func rotateCode(degrees int) (gocv.RotateFlag, bool) {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return gocv.Rotate90Clockwise, true
	case 180:
		return gocv.Rotate180Clockwise, true
	case 270:
		return gocv.Rotate90CounterClockwise, true
	default:
		return 0, false
	}
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
