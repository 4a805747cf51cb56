// Package tracking turns a noisy stream of per-frame detections into a
// single confirmed material. An object is first locked on at normal zoom,
// then re-examined through a crop around it, and only confirmed when a
// supermajority of the zoomed frames agree with the original lock.
package tracking

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/roi"
)

// Phase identifies where the tracker is in a confirmation cycle.
type Phase int

const (
	Scanning Phase = iota
	LockingOn
	ZoomedConfirming
	Confirmed
	Cooldown
)

func (p Phase) String() string {
	switch p {
	case Scanning:
		return "SCANNING"
	case LockingOn:
		return "LOCKING_ON"
	case ZoomedConfirming:
		return "ZOOMED_CONFIRMING"
	case Confirmed:
		return "CONFIRMED"
	case Cooldown:
		return "COOLDOWN"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name written by MarshalText.
func (p *Phase) UnmarshalText(b []byte) error {
	for q := Scanning; q <= Cooldown; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown tracker phase %q", b)
}

// Confirmation is emitted once per successful cycle.
type Confirmation struct {
	Material string
	// Confidence is the confidence of the latest vote.
	Confidence float64
	// VotePercent is the winner's integer share of all votes.
	VotePercent int
	// MeanConfidence averages the winner's vote confidences.
	MeanConfidence float64
	Votes          map[string]int
}

// state is the per-phase data. Exactly one concrete type is live at a time.
type state interface {
	phase() Phase
	since() time.Time
}

type scanningState struct {
	start time.Time
}

type lockingState struct {
	start    time.Time
	lastSeen time.Time
	material string
	box      roi.Rect
}

type confirmingState struct {
	start       time.Time
	lastSeen    time.Time
	material    string
	box         roi.Rect
	zoom        roi.Rect
	votes       map[string]int
	confidences map[string][]float64
	lastConf    float64
}

type confirmedState struct {
	start  time.Time
	result Confirmation
}

type cooldownState struct {
	start time.Time
}

func (s scanningState) phase() Phase   { return Scanning }
func (s lockingState) phase() Phase    { return LockingOn }
func (s confirmingState) phase() Phase { return ZoomedConfirming }
func (s confirmedState) phase() Phase  { return Confirmed }
func (s cooldownState) phase() Phase   { return Cooldown }

func (s scanningState) since() time.Time   { return s.start }
func (s lockingState) since() time.Time    { return s.start }
func (s confirmingState) since() time.Time { return s.start }
func (s confirmedState) since() time.Time  { return s.start }
func (s cooldownState) since() time.Time   { return s.start }

// step is the transition function. It never mutates s; confirmingState's
// maps are copied before being extended.
func step(cfg Config, s state, dets []detect.Detection, now time.Time) (state, *Confirmation) {
	top, found := detect.Top(dets)
	label := strings.ToLower(strings.TrimSpace(top.ClassName))

	switch cur := s.(type) {
	case scanningState:
		if found && top.Confidence > cfg.LockConfidence {
			monitoring.Logf("tracker: locking on %q (conf %.2f)", label, top.Confidence)
			return lockingState{start: now, lastSeen: now, material: label, box: top.Box}, nil
		}
		return cur, nil

	case lockingState:
		if !found || top.Confidence <= cfg.LockConfidence {
			if now.Sub(cur.lastSeen) > cfg.LockGrace {
				monitoring.Debugf("tracker: lost %q while locking on", cur.material)
				return scanningState{start: now}, nil
			}
			return cur, nil
		}
		if label != cur.material {
			monitoring.Debugf("tracker: lock moved %q -> %q", cur.material, label)
			return lockingState{start: now, lastSeen: now, material: label, box: top.Box}, nil
		}
		next := cur
		next.lastSeen = now
		next.box = cur.box.Lerp(top.Box, cfg.Smoothing)
		if now.Sub(cur.start) < cfg.LockDuration {
			return next, nil
		}
		zoom := next.box.Pad(cfg.ZoomPadding)
		monitoring.Logf("tracker: %q stable, confirming through zoom %s", cur.material, zoom)
		return confirmingState{
			start:       now,
			lastSeen:    now,
			material:    cur.material,
			box:         next.box,
			zoom:        zoom,
			votes:       map[string]int{cur.material: 1},
			confidences: map[string][]float64{cur.material: {top.Confidence}},
			lastConf:    top.Confidence,
		}, nil

	case confirmingState:
		next := cur
		if found && top.Confidence > cfg.VoteConfidence {
			next.votes = copyVotes(cur.votes)
			next.votes[label]++
			next.confidences = copyConfidences(cur.confidences)
			next.confidences[label] = append(next.confidences[label], top.Confidence)
			next.lastConf = top.Confidence
			next.lastSeen = now
		} else if now.Sub(cur.lastSeen) > cfg.ConfirmGrace {
			monitoring.Debugf("tracker: lost %q while confirming", cur.material)
			return scanningState{start: now}, nil
		}
		if now.Sub(cur.start) < cfg.ConfirmDuration {
			return next, nil
		}
		return decide(cfg, next, now)

	case confirmedState, cooldownState:
		if cd, ok := cur.(cooldownState); ok && now.Sub(cd.start) >= cfg.CooldownDuration {
			return scanningState{start: now}, nil
		}
		return cur, nil
	}
	return scanningState{start: now}, nil
}

// decide closes the voting window.
func decide(cfg Config, s confirmingState, now time.Time) (state, *Confirmation) {
	winner, total := s.material, 0
	labels := make([]string, 0, len(s.votes))
	for l, n := range s.votes {
		labels = append(labels, l)
		total += n
	}
	sort.Strings(labels)
	for _, l := range labels {
		n := s.votes[l]
		if n > s.votes[winner] {
			winner = l
		}
	}
	pct := 0
	if total > 0 {
		pct = s.votes[winner] * 100 / total
	}

	if winner != s.material || pct < cfg.MinVotePercent {
		monitoring.Debugf("tracker: %q not confirmed (winner %q at %d%%, votes %v)", s.material, winner, pct, s.votes)
		return scanningState{start: now}, nil
	}

	result := Confirmation{
		Material:       winner,
		Confidence:     s.lastConf,
		VotePercent:    pct,
		MeanConfidence: stat.Mean(s.confidences[winner], nil),
		Votes:          copyVotes(s.votes),
	}
	monitoring.Logf("tracker: confirmed %q with %d%% of %d votes", winner, pct, total)
	return confirmedState{start: now, result: result}, &result
}

func copyVotes(m map[string]int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyConfidences(m map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(m)+1)
	for k, v := range m {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// Snapshot is a read-only view of the tracker.
type Snapshot struct {
	Phase      Phase          `json:"phase"`
	PhaseStart time.Time      `json:"phase_start"`
	Material   string         `json:"material,omitempty"`
	Box        *roi.Rect      `json:"box,omitempty"`
	Zoom       *roi.Rect      `json:"zoom,omitempty"`
	Votes      map[string]int `json:"votes,omitempty"`
}

// Tracker owns the tracking state. Update is called by the analysis loop;
// Snapshot and ZoomRegion may be called from other goroutines.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	state state
}

// NewTracker returns a tracker in SCANNING.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, state: scanningState{}}
}

// Update feeds one frame's detections. It returns a confirmation exactly
// once per successful cycle.
func (t *Tracker) Update(dets []detect.Detection, now time.Time) (Confirmation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, result := step(t.cfg, t.state, dets, now)
	t.state = next
	if result == nil {
		return Confirmation{}, false
	}
	return *result, true
}

// StartCooldown moves a CONFIRMED tracker into COOLDOWN. It is a no-op in
// any other phase.
func (t *Tracker) StartCooldown(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state.(confirmedState); ok {
		t.state = cooldownState{start: now}
	}
}

// Reset returns the tracker to SCANNING and clears all state.
func (t *Tracker) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = scanningState{start: now}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.phase()
}

// ZoomRegion returns the adaptive crop while confirming, else nil.
func (t *Tracker) ZoomRegion() *roi.Rect {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state.(confirmingState); ok {
		z := s.zoom
		return &z
	}
	return nil
}

// Snapshot returns a copy of the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{Phase: t.state.phase(), PhaseStart: t.state.since()}
	switch s := t.state.(type) {
	case lockingState:
		b := s.box
		snap.Material, snap.Box = s.material, &b
	case confirmingState:
		b, z := s.box, s.zoom
		snap.Material, snap.Box, snap.Zoom = s.material, &b, &z
		snap.Votes = copyVotes(s.votes)
	case confirmedState:
		snap.Material = s.result.Material
		snap.Votes = copyVotes(s.result.Votes)
	}
	return snap
}
