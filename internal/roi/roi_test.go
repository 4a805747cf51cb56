package roi

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestBaseRegion(t *testing.T) {
	if r := BaseRegion(1); r != nil {
		t.Fatalf("BaseRegion(1) = %v, want nil", r)
	}
	if r := BaseRegion(0.5); r != nil {
		t.Fatalf("BaseRegion(0.5) = %v, want nil", r)
	}

	got := BaseRegion(2)
	want := &Rect{Left: 0.25, Top: 0.25, Right: 0.75, Bottom: 0.75}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("BaseRegion(2) mismatch (-want +got):\n%s", diff)
	}

	capped := BaseRegion(10)
	if math.Abs(capped.Width()-0.25) > 1e-9 {
		t.Errorf("BaseRegion(10) width = %f, want 0.25", capped.Width())
	}
}

func TestEffective(t *testing.T) {
	base := &Rect{Left: 0.25, Top: 0.25, Right: 0.75, Bottom: 0.75}
	adaptive := &Rect{Left: 0.5, Top: 0, Right: 1, Bottom: 0.5}

	tests := []struct {
		name     string
		base     *Rect
		adaptive *Rect
		want     *Rect
	}{
		{"neither", nil, nil, nil},
		{"base only", base, nil, base},
		{"adaptive only", nil, adaptive, adaptive},
		{"both", base, adaptive, &Rect{Left: 0.5, Top: 0.25, Right: 0.75, Bottom: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Effective(tt.base, tt.adaptive)
			if diff := cmp.Diff(tt.want, got, approx); diff != "" {
				t.Errorf("Effective mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPadClamps(t *testing.T) {
	r := Rect{Left: 0.4, Top: 0.4, Right: 0.6, Bottom: 0.6}
	got := r.Pad(0.2)
	want := Rect{Left: 0.36, Top: 0.36, Right: 0.64, Bottom: 0.64}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Pad mismatch (-want +got):\n%s", diff)
	}

	edge := Rect{Left: 0, Top: 0.1, Right: 0.5, Bottom: 1}
	got = edge.Pad(0.2)
	if got.Left != 0 || got.Bottom != 1 {
		t.Errorf("Pad did not clamp: %v", got)
	}
}

func TestLerp(t *testing.T) {
	a := Rect{Left: 0, Top: 0, Right: 1, Bottom: 1}
	b := Rect{Left: 1, Top: 1, Right: 2, Bottom: 2}
	got := a.Lerp(b, 0.3)
	want := Rect{Left: 0.3, Top: 0.3, Right: 1.3, Bottom: 1.3}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Lerp mismatch (-want +got):\n%s", diff)
	}
}

func TestControllerClampsZoom(t *testing.T) {
	c := NewController(0)
	if c.Zoom() != 1 || c.Base() != nil {
		t.Fatalf("zoom = %f, base = %v", c.Zoom(), c.Base())
	}
	c.SetZoom(9)
	if c.Zoom() != MaxZoom {
		t.Errorf("zoom = %f, want %f", c.Zoom(), MaxZoom)
	}
}

func TestRelativeInvertsWithin(t *testing.T) {
	base := Rect{Left: 0.25, Top: 0.25, Right: 0.75, Bottom: 0.75}
	box := Rect{Left: 0.5, Top: 0.3, Right: 0.6, Bottom: 0.7}

	rel := box.Relative(base)
	want := Rect{Left: 0.5, Top: 0.1, Right: 0.7, Bottom: 0.9}
	if diff := cmp.Diff(want, rel, approx); diff != "" {
		t.Errorf("Relative mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(box, rel.Within(base), approx); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got := box.Relative(Rect{}); got != box {
		t.Errorf("Relative(empty) = %v, want %v", got, box)
	}
}
