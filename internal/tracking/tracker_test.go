package tracking

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/roi"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

var centreBox = roi.Rect{Left: 0.4, Top: 0.4, Right: 0.6, Bottom: 0.6}

func det(class string, conf float64) []detect.Detection {
	return []detect.Detection{{ClassName: class, Confidence: conf, Box: centreBox}}
}

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

// feed sends the same detections every stepMs from startMs to endMs
// inclusive and returns any confirmations produced.
func feed(tr *Tracker, dets []detect.Detection, startMs, endMs, stepMs int) []Confirmation {
	var out []Confirmation
	for ms := startMs; ms <= endMs; ms += stepMs {
		if c, ok := tr.Update(dets, at(ms)); ok {
			out = append(out, c)
		}
	}
	return out
}

// lockOn drives a fresh tracker into ZOOMED_CONFIRMING on material at 2000ms.
func lockOn(t *testing.T, material string) *Tracker {
	t.Helper()
	tr := NewTracker(DefaultConfig())
	feed(tr, det(material, 0.6), 0, 2000, 100)
	require.Equal(t, ZoomedConfirming, tr.Phase())
	return tr
}

func TestLowConfidenceNeverLeavesScanning(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for ms := 0; ms < 10000; ms += 80 {
		conf := 0.40 * float64(ms%7) / 6
		if _, ok := tr.Update(det("plastic", conf), at(ms)); ok {
			t.Fatal("confirmation from low-confidence stream")
		}
		if tr.Phase() != Scanning {
			t.Fatalf("phase %v at %dms with conf %.2f", tr.Phase(), ms, conf)
		}
	}
}

func TestLockThenZoom(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	tr.Update(det("Metal", 0.6), at(0))
	snap := tr.Snapshot()
	assert.Equal(t, LockingOn, snap.Phase)
	assert.Equal(t, "metal", snap.Material)
	assert.Nil(t, tr.ZoomRegion())

	feed(tr, det("metal", 0.6), 100, 1900, 100)
	assert.Equal(t, LockingOn, tr.Phase(), "transitioned before 2000ms")

	tr.Update(det("metal", 0.6), at(2000))
	require.Equal(t, ZoomedConfirming, tr.Phase())

	zoom := tr.ZoomRegion()
	require.NotNil(t, zoom)
	want := roi.Rect{Left: 0.36, Top: 0.36, Right: 0.64, Bottom: 0.64}
	if diff := cmp.Diff(want, *zoom, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("zoom region mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]int{"metal": 1}, tr.Snapshot().Votes)
}

func TestReachesZoomedConfirmingOnce(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	entries := 0
	prev := tr.Phase()
	for ms := 0; ms <= 4000; ms += 80 {
		tr.Update(det("paper", 0.45), at(ms))
		if p := tr.Phase(); p == ZoomedConfirming && prev != ZoomedConfirming {
			entries++
		}
		prev = tr.Phase()
	}
	// conf 0.45 holds the lock but never votes, so the zoomed window is
	// abandoned through the grace period and cannot re-enter before 4000ms.
	assert.Equal(t, 1, entries)
}

func TestEMASmoothing(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update([]detect.Detection{{ClassName: "glass", Confidence: 0.9, Box: roi.Rect{Left: 0, Top: 0, Right: 0.5, Bottom: 0.5}}}, at(0))
	tr.Update([]detect.Detection{{ClassName: "glass", Confidence: 0.9, Box: roi.Rect{Left: 0.1, Top: 0.1, Right: 0.6, Bottom: 0.6}}}, at(100))

	box := tr.Snapshot().Box
	require.NotNil(t, box)
	assert.InDelta(t, 0.03, box.Left, 1e-9)
	assert.InDelta(t, 0.53, box.Right, 1e-9)
}

func TestLabelChangeRestartsLock(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	feed(tr, det("plastic", 0.6), 0, 1500, 100)
	tr.Update(det("metal", 0.7), at(1600))

	snap := tr.Snapshot()
	assert.Equal(t, LockingOn, snap.Phase)
	assert.Equal(t, "metal", snap.Material)
	assert.Equal(t, at(1600), snap.PhaseStart)

	feed(tr, det("metal", 0.7), 1700, 3500, 100)
	assert.Equal(t, LockingOn, tr.Phase(), "timer was not restarted")
	tr.Update(det("metal", 0.7), at(3600))
	assert.Equal(t, ZoomedConfirming, tr.Phase())
}

func TestLockGrace(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	feed(tr, det("plastic", 0.6), 0, 1000, 100)

	tr.Update(nil, at(1400))
	assert.Equal(t, LockingOn, tr.Phase(), "reset inside grace")
	tr.Update(nil, at(1500))
	assert.Equal(t, LockingOn, tr.Phase(), "reset at exactly the grace period")
	tr.Update(nil, at(1501))
	assert.Equal(t, Scanning, tr.Phase())
}

func TestConfirmGrace(t *testing.T) {
	tr := lockOn(t, "metal")
	feed(tr, det("metal", 0.7), 2100, 2500, 100)

	tr.Update(det("metal", 0.3), at(3400))
	assert.Equal(t, ZoomedConfirming, tr.Phase())
	tr.Update(nil, at(3501))
	assert.Equal(t, Scanning, tr.Phase())
	assert.Nil(t, tr.ZoomRegion())
}

func TestDecideSupermajority(t *testing.T) {
	cfg := DefaultConfig()
	base := confirmingState{
		start:    at(0),
		material: "plastic",
		confidences: map[string][]float64{
			"plastic": {0.6, 0.8},
		},
		lastConf: 0.8,
	}

	win := base
	win.votes = map[string]int{"plastic": 7, "metal": 3}
	next, result := decide(cfg, win, at(3000))
	require.NotNil(t, result)
	assert.Equal(t, Confirmed, next.phase())
	assert.Equal(t, "plastic", result.Material)
	assert.Equal(t, 70, result.VotePercent)
	assert.InDelta(t, 0.7, result.MeanConfidence, 1e-9)
	assert.Equal(t, 0.8, result.Confidence)

	split := base
	split.votes = map[string]int{"plastic": 5, "metal": 5}
	next, result = decide(cfg, split, at(3000))
	assert.Nil(t, result)
	assert.Equal(t, Scanning, next.phase())

	hijack := base
	hijack.votes = map[string]int{"plastic": 2, "metal": 8}
	_, result = decide(cfg, hijack, at(3000))
	assert.Nil(t, result, "a different winner must not confirm")
}

func TestDecideIntegerPercent(t *testing.T) {
	// 3 of 5 is exactly 60; 5 of 9 truncates to 55.
	s := confirmingState{material: "paper", votes: map[string]int{"paper": 3, "glass": 2}}
	_, result := decide(DefaultConfig(), s, at(0))
	require.NotNil(t, result)
	assert.Equal(t, 60, result.VotePercent)

	s.votes = map[string]int{"paper": 5, "glass": 4}
	_, result = decide(DefaultConfig(), s, at(0))
	assert.Nil(t, result)
}

func TestVotingThroughUpdate(t *testing.T) {
	tr := lockOn(t, "plastic")
	// seed 1 plastic; 6 more plastic and 3 metal give 7/10.
	ms := 2000
	for i := 0; i < 9; i++ {
		ms += 300
		class := "plastic"
		if i%3 == 2 {
			class = "metal"
		}
		if _, ok := tr.Update(det(class, 0.9), at(ms)); ok {
			t.Fatalf("confirmed early at %dms", ms)
		}
	}
	require.Equal(t, 4700, ms)
	c, ok := tr.Update(nil, at(5000))
	require.True(t, ok, "expected confirmation at window close")
	assert.Equal(t, "plastic", c.Material)
	assert.Equal(t, 70, c.VotePercent)
	assert.Equal(t, map[string]int{"plastic": 7, "metal": 3}, c.Votes)
	assert.Equal(t, Confirmed, tr.Phase())
}

func TestConfirmedHoldsUntilCooldown(t *testing.T) {
	tr := lockOn(t, "metal")
	got := feed(tr, det("metal", 0.7), 2100, 5000, 100)
	require.Len(t, got, 1)

	// CONFIRMED does not self-advance and emits nothing further.
	got = feed(tr, det("metal", 0.9), 5100, 20000, 100)
	assert.Empty(t, got)
	assert.Equal(t, Confirmed, tr.Phase())

	tr.StartCooldown(at(20000))
	assert.Equal(t, Cooldown, tr.Phase())
	tr.Update(det("metal", 0.9), at(22999))
	assert.Equal(t, Cooldown, tr.Phase())
	tr.Update(det("metal", 0.9), at(23000))
	assert.Equal(t, Scanning, tr.Phase())

	snap := tr.Snapshot()
	assert.Empty(t, snap.Material)
	assert.Nil(t, snap.Votes)
}

func TestStartCooldownOnlyFromConfirmed(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update(det("metal", 0.9), at(0))
	tr.StartCooldown(at(10))
	assert.Equal(t, LockingOn, tr.Phase())

	tr.Reset(at(20))
	assert.Equal(t, Scanning, tr.Phase())
}

func TestEndToEndMetal(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	var confirmations []Confirmation
	// 25 frames spanning the lock window
	for i := 0; i < 25; i++ {
		ms := int(math.Round(float64(i) * 2000 / 24))
		if c, ok := tr.Update(det("metal", 0.6), at(ms)); ok {
			confirmations = append(confirmations, c)
		}
	}
	require.Equal(t, ZoomedConfirming, tr.Phase())

	// 38 zoomed frames spanning the confirmation window
	for i := 1; i <= 38; i++ {
		ms := 2000 + int(math.Round(float64(i)*3000/38))
		if c, ok := tr.Update(det("metal", 0.7), at(ms)); ok {
			confirmations = append(confirmations, c)
		}
	}

	require.Len(t, confirmations, 1)
	assert.Equal(t, "metal", confirmations[0].Material)
	assert.Equal(t, 100, confirmations[0].VotePercent)
	assert.Equal(t, 0.7, confirmations[0].Confidence)
}

func TestPhaseJSON(t *testing.T) {
	b, err := ZoomedConfirming.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ZOOMED_CONFIRMING", string(b))
	assert.Equal(t, "Phase(9)", Phase(9).String())

	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("COOLDOWN")))
	assert.Equal(t, Cooldown, p)
	assert.Error(t, p.UnmarshalText([]byte("IDLE")))
}
