package detect

import "errors"

// ErrNoInference is returned by NewYOLO in builds without OpenCV support.
var ErrNoInference = errors.New("built without gocv; rebuild with -tags gocv")

// YOLOConfig holds YOLO detector configuration.
type YOLOConfig struct {
	ModelPath        string
	Labels           []string
	ConfidenceThresh float32
	NMSThresh        float32
	InputWidth       int
	InputHeight      int
}

// WasteLabels are the classes of the waste-sorting model shipped with the bin.
var WasteLabels = []string{
	"biological", "cardboard", "glass", "metal", "paper",
	"plastic", "plastic-pe_hd", "plastic-pet", "plastic-pp", "plastic-ps", "plastic-others",
	"trash",
}

// DefaultYOLOConfig returns production defaults for the waste model.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		ModelPath:        "models/waste-yolov8n.onnx",
		Labels:           WasteLabels,
		ConfidenceThresh: 0.25,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
	}
}
