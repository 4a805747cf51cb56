// Package session tracks the credit sessions of identified users: one
// ACTIVE session per user, bounded by a maximum duration and an inactivity
// timeout, accumulating the points and weight of every deposited item.
package session

import (
	"errors"
	"math"
	"time"

	"github.com/banshee-data/sortbin/internal/material"
)

var (
	ErrAlreadyActiveElsewhere = errors.New("user already has an active session")
	ErrNoActiveSession        = errors.New("no active session")
	ErrInvalidUser            = errors.New("invalid user id")
)

// MinUserIDLength is the shortest identifier accepted from the
// identification channel. Account ids issued by the companion app are at
// least this long; anything shorter is a truncated read.
const MinUserIDLength = 20

const (
	DefaultMaxDuration       = 180 * time.Second
	DefaultInactivityTimeout = 45 * time.Second
)

// State is the persisted lifecycle state of a session.
type State string

const (
	StateActive         State = "activa"
	StateFinishedByUser State = "finalizada_por_brindador"
	StateTimedOut       State = "finalizada_por_timeout"
	StateInactive       State = "finalizada_por_inactividad"
)

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s != StateActive
}

// FinishReason says why a session ended.
type FinishReason int

const (
	ReasonUser FinishReason = iota
	ReasonTimeout
	ReasonInactivity
)

func (r FinishReason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonTimeout:
		return "timeout"
	case ReasonInactivity:
		return "inactivity"
	default:
		return "unknown"
	}
}

// State returns the terminal state recorded for r.
func (r FinishReason) State() State {
	switch r {
	case ReasonTimeout:
		return StateTimedOut
	case ReasonInactivity:
		return StateInactive
	default:
		return StateFinishedByUser
	}
}

// ReasonFor maps a terminal state back to its reason.
func ReasonFor(s State) (FinishReason, bool) {
	switch s {
	case StateFinishedByUser:
		return ReasonUser, true
	case StateTimedOut:
		return ReasonTimeout, true
	case StateInactive:
		return ReasonInactivity, true
	default:
		return 0, false
	}
}

// Deposit is one credited item.
type Deposit struct {
	ID         string    `json:"id"`
	Material   string    `json:"type"`
	Points     int       `json:"points"`
	Grams      int       `json:"grams"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is the record stored per user while they deposit items.
type Session struct {
	ID                       string    `json:"id"`
	UserID                   string    `json:"user_id"`
	BinLabel                 string    `json:"bin_label"`
	StartTime                time.Time `json:"start_time"`
	LastActivity             time.Time `json:"last_activity"`
	MaxDurationSeconds       int       `json:"max_duration_seconds"`
	InactivityTimeoutSeconds int       `json:"inactivity_timeout_seconds"`
	Deposits                 []Deposit `json:"deposits"`
	Points                   int       `json:"points"`
	Grams                    int       `json:"grams"`
	State                    State     `json:"state"`
}

func (s *Session) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSeconds) * time.Second
}

func (s *Session) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutSeconds) * time.Second
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Deposits = append([]Deposit(nil), s.Deposits...)
	return &c
}

// ExpiryReason reports whether the session has expired at now and why. The
// maximum duration takes precedence over inactivity.
func (s *Session) ExpiryReason(now time.Time) (FinishReason, bool) {
	if now.Sub(s.StartTime) >= s.MaxDuration() {
		return ReasonTimeout, true
	}
	if now.Sub(s.LastActivity) >= s.InactivityTimeout() {
		return ReasonInactivity, true
	}
	return 0, false
}

// HistoryEntry summarizes a finished session.
type HistoryEntry struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	BinLabel  string    `json:"bin_label"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	State     State     `json:"state"`
	Items     int       `json:"items"`
	Points    int       `json:"points"`
	Grams     int       `json:"grams"`
}

// NewHistoryEntry summarizes s as it ends at end with state.
func NewHistoryEntry(s *Session, state State, end time.Time) HistoryEntry {
	return HistoryEntry{
		SessionID: s.ID,
		UserID:    s.UserID,
		BinLabel:  s.BinLabel,
		StartTime: s.StartTime,
		EndTime:   end,
		State:     state,
		Items:     len(s.Deposits),
		Points:    s.Points,
		Grams:     s.Grams,
	}
}

// UserTotals are a user's lifetime rewards across all sessions.
type UserTotals struct {
	UserID    string    `json:"user_id"`
	BioCoins  int       `json:"bio_coins"`
	Items     int       `json:"items"`
	TotalKg   float64   `json:"total_kg"`
	UpdatedAt time.Time `json:"updated_at"`
	// MaterialKg is keyed by compartment (material.Category.String()).
	MaterialKg map[string]float64 `json:"material_kg"`
	Level      material.Level     `json:"level"`
}

// Add credits one deposit to the totals and recomputes the level.
func (u *UserTotals) Add(d Deposit) {
	kg := float64(d.Grams) / 1000
	if u.MaterialKg == nil {
		u.MaterialKg = make(map[string]float64)
	}
	key := material.FromClass(d.Material).String()
	u.BioCoins += d.Points
	u.Items++
	u.TotalKg = roundKg(u.TotalKg + kg)
	u.MaterialKg[key] = roundKg(u.MaterialKg[key] + kg)
	u.Level = material.LevelFor(u.BioCoins)
	u.UpdatedAt = d.Timestamp
}

func roundKg(kg float64) float64 {
	return math.Round(kg*1000) / 1000
}
