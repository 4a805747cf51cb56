package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/banshee-data/sortbin/internal/roi"
)

// ReplayDetector plays back recorded detector output, one JSON array of
// detections per line, looping at the end. It stands in for the inference
// engine when the bin runs without a model.
type ReplayDetector struct {
	mu     sync.Mutex
	frames [][]Detection
	next   int
}

// NewReplayDetector reads recorded detections from r.
func NewReplayDetector(r io.Reader) (*ReplayDetector, error) {
	var frames [][]Detection
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scan.Scan() {
		line++
		text := scan.Bytes()
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var dets []Detection
		if err := json.Unmarshal(text, &dets); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		frames = append(frames, dets)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no recorded frames")
	}
	return &ReplayDetector{frames: frames}, nil
}

// OpenReplayDetector loads a recording from a file.
func OpenReplayDetector(path string) (*ReplayDetector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open detections file: %w", err)
	}
	defer f.Close()
	return NewReplayDetector(f)
}

// Detect returns the next recorded frame. Boxes are recorded in full-frame
// coordinates so the crop is ignored.
func (d *ReplayDetector) Detect(ctx context.Context, _ Frame, _ *roi.Rect) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dets := d.frames[d.next]
	d.next = (d.next + 1) % len(d.frames)
	out := make([]Detection, len(dets))
	copy(out, dets)
	return out, nil
}

// Len returns the number of recorded frames.
func (d *ReplayDetector) Len() int {
	return len(d.frames)
}
