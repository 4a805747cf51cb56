package tracking

import "time"

// Config holds the thresholds and timings of the stability tracker.
type Config struct {
	// LockConfidence is the confidence a detection must exceed to start or
	// hold a lock.
	LockConfidence float64 `json:"lock_confidence"`
	// VoteConfidence is the confidence a detection must exceed to count as a
	// confirmation vote.
	VoteConfidence float64 `json:"vote_confidence"`
	// MinVotePercent is the share of votes the locked material needs to win.
	MinVotePercent int `json:"min_vote_percent"`

	LockDuration     time.Duration `json:"lock_duration"`
	ConfirmDuration  time.Duration `json:"confirm_duration"`
	CooldownDuration time.Duration `json:"cooldown_duration"`
	LockGrace        time.Duration `json:"lock_grace"`
	ConfirmGrace     time.Duration `json:"confirm_grace"`

	// Smoothing is the EMA factor applied to the locked box per frame.
	Smoothing float64 `json:"smoothing"`
	// ZoomPadding is the fraction of the locked box added on each side to
	// form the adaptive zoom region.
	ZoomPadding float64 `json:"zoom_padding"`
}

// DefaultConfig returns the tuning used on the production bin.
func DefaultConfig() Config {
	return Config{
		LockConfidence:   0.40,
		VoteConfidence:   0.50,
		MinVotePercent:   60,
		LockDuration:     2000 * time.Millisecond,
		ConfirmDuration:  3000 * time.Millisecond,
		CooldownDuration: 3000 * time.Millisecond,
		LockGrace:        500 * time.Millisecond,
		ConfirmGrace:     1000 * time.Millisecond,
		Smoothing:        0.3,
		ZoomPadding:      0.2,
	}
}
