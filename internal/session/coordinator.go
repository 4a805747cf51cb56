package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/sortbin/internal/material"
	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/timeutil"
	"github.com/google/uuid"
)

// Config holds the session limits applied to new sessions.
type Config struct {
	BinLabel          string
	MaxDuration       time.Duration
	InactivityTimeout time.Duration
	// PollInterval is the period of the per-session expiry loop.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		BinLabel:          "sortbin",
		MaxDuration:       DefaultMaxDuration,
		InactivityTimeout: DefaultInactivityTimeout,
		PollInterval:      time.Second,
	}
}

// CreditResult is returned for every credited item.
type CreditResult struct {
	Deposit       Deposit     `json:"deposit"`
	Points        int         `json:"points"`
	Grams         int         `json:"grams"`
	SessionPoints int         `json:"session_points"`
	SessionGrams  int         `json:"session_grams"`
	User          *UserTotals `json:"user,omitempty"`
}

// Coordinator owns the sessions started at this bin. All mutations of one
// user's session go through the coordinator and are serialized per user.
// The store remains the source of truth; the coordinator converges on
// whatever it reports.
type Coordinator struct {
	cfg   Config
	store Store
	clock timeutil.Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ownedMu sync.Mutex
	owned   map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the clock used for timestamps and the expiry loop.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func NewCoordinator(store Store, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BinLabel == "" {
		cfg.BinLabel = def.BinLabel
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		clock:  timeutil.RealClock{},
		locks:  make(map[string]*sync.Mutex),
		owned:  make(map[string]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) lock(userID string) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[userID] = mu
	}
	c.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// IdentifyUser starts an ACTIVE session for userID and begins polling it
// for expiry.
func (c *Coordinator) IdentifyUser(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if len(userID) < MinUserIDLength {
		return nil, fmt.Errorf("%w: %q is shorter than %d characters", ErrInvalidUser, userID, MinUserIDLength)
	}
	unlock := c.lock(userID)
	defer unlock()

	existing, err := c.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session for %s: %w", userID, err)
	}
	if existing != nil && !existing.State.Terminal() {
		return nil, fmt.Errorf("%s at %s: %w", userID, existing.BinLabel, ErrAlreadyActiveElsewhere)
	}

	now := c.clock.Now()
	s := &Session{
		ID:                       uuid.NewString(),
		UserID:                   userID,
		BinLabel:                 c.cfg.BinLabel,
		StartTime:                now,
		LastActivity:             now,
		MaxDurationSeconds:       int(c.cfg.MaxDuration / time.Second),
		InactivityTimeoutSeconds: int(c.cfg.InactivityTimeout / time.Second),
		Deposits:                 []Deposit{},
		State:                    StateActive,
	}
	if err := c.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to store session for %s: %w", userID, err)
	}
	c.own(userID)
	monitoring.Logf("session: started %s for %s", s.ID, userID)
	return s.Clone(), nil
}

// CreditMaterial records one deposited item of materialLabel in the user's
// active session.
func (c *Coordinator) CreditMaterial(ctx context.Context, userID, materialLabel string, confidence float64) (*CreditResult, error) {
	unlock := c.lock(userID)
	defer unlock()

	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session for %s: %w", userID, err)
	}
	if s == nil || s.State.Terminal() {
		return nil, fmt.Errorf("credit %s for %s: %w", materialLabel, userID, ErrNoActiveSession)
	}

	label := material.Normalize(materialLabel)
	now := c.clock.Now()
	d := Deposit{
		ID:         uuid.NewString(),
		Material:   label,
		Points:     material.Points(label),
		Grams:      material.GramsPerItem,
		Confidence: confidence,
		Timestamp:  now,
	}
	s.Deposits = append(s.Deposits, d)
	s.Points += d.Points
	s.Grams += d.Grams
	s.LastActivity = now
	if err := c.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to store credit for %s: %w", userID, err)
	}

	res := &CreditResult{
		Deposit:       d,
		Points:        d.Points,
		Grams:         d.Grams,
		SessionPoints: s.Points,
		SessionGrams:  s.Grams,
	}
	if ts, ok := c.store.(UserTotalsStore); ok {
		totals, err := ts.AddToUserTotals(ctx, userID, d)
		if err != nil {
			// the session credit stands; lifetime totals catch up on the next item
			monitoring.Logf("session: failed to update totals for %s: %v", userID, err)
		} else {
			res.User = totals
		}
	}
	monitoring.Logf("session: %s +%d points (%s), session total %d", userID, d.Points, label, s.Points)
	return res, nil
}

// Finish ends the user's session with reason and removes it from the
// store. Finishing a missing session succeeds.
func (c *Coordinator) Finish(ctx context.Context, userID string, reason FinishReason) error {
	unlock := c.lock(userID)
	defer unlock()
	return c.finishLocked(ctx, userID, reason)
}

func (c *Coordinator) finishLocked(ctx context.Context, userID string, reason FinishReason) error {
	defer c.release(userID)

	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read session for %s: %w", userID, err)
	}
	if s == nil {
		return nil
	}
	state := reason.State()
	if hs, ok := c.store.(HistoryStore); ok {
		if err := hs.AppendHistory(ctx, NewHistoryEntry(s, state, c.clock.Now())); err != nil {
			monitoring.Logf("session: failed to record history for %s: %v", userID, err)
		}
	}
	if err := c.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	monitoring.Logf("session: %s finished (%s) with %d items, %d points", userID, reason, len(s.Deposits), s.Points)
	return nil
}

// PollExpiry finishes the session if it has run past its maximum duration
// or has been idle past its inactivity timeout at now. It reports the
// reason when the session was finished.
func (c *Coordinator) PollExpiry(ctx context.Context, userID string, now time.Time) (FinishReason, bool, error) {
	unlock := c.lock(userID)
	defer unlock()

	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read session for %s: %w", userID, err)
	}
	if s == nil || s.State.Terminal() {
		return 0, false, nil
	}
	reason, expired := s.ExpiryReason(now)
	if !expired {
		return 0, false, nil
	}
	if err := c.finishLocked(ctx, userID, reason); err != nil {
		return 0, false, err
	}
	return reason, true, nil
}

// MarkFinishedByUser records that the user ended the session from their
// side. The record is only marked; the owning bin finishes it when it sees
// the change.
func (c *Coordinator) MarkFinishedByUser(ctx context.Context, userID string) error {
	unlock := c.lock(userID)
	defer unlock()

	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read session for %s: %w", userID, err)
	}
	if s == nil || s.State.Terminal() {
		return fmt.Errorf("finish %s: %w", userID, ErrNoActiveSession)
	}
	s.State = StateFinishedByUser
	if err := c.store.Put(ctx, s); err != nil {
		return fmt.Errorf("failed to mark session for %s: %w", userID, err)
	}
	return nil
}

// Session returns the stored session of userID, or nil.
func (c *Coordinator) Session(ctx context.Context, userID string) (*Session, error) {
	return c.store.Get(ctx, userID)
}

// HandleEvent converges local state on a store change. It is safe to call
// with stale or repeated events.
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) error {
	if ev.Session == nil {
		c.release(ev.UserID)
		return nil
	}
	if !ev.Session.State.Terminal() {
		return nil
	}
	reason, ok := ReasonFor(ev.Session.State)
	if !ok {
		return fmt.Errorf("unknown session state %q for %s", ev.Session.State, ev.UserID)
	}
	return c.Finish(ctx, ev.UserID, reason)
}

// Run applies store change events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	id, events := c.store.Subscribe()
	defer c.store.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.HandleEvent(ctx, ev); err != nil {
				monitoring.Logf("session: %v", err)
			}
		}
	}
}

// Resume adopts the ACTIVE sessions of this bin left in the store by an
// earlier run, so their expiry is polled again. Sessions of other bins and
// records that are gone or no longer ACTIVE are skipped. It returns how
// many sessions were adopted.
func (c *Coordinator) Resume(ctx context.Context, userIDs []string) (int, error) {
	adopted := 0
	for _, userID := range userIDs {
		s, err := c.store.Get(ctx, userID)
		if err != nil {
			return adopted, fmt.Errorf("failed to read session for %s: %w", userID, err)
		}
		switch {
		case s == nil || s.State.Terminal():
			continue
		case s.BinLabel != c.cfg.BinLabel:
			monitoring.Debugf("session: %s is active at %s, not resuming", userID, s.BinLabel)
			continue
		}
		c.own(userID)
		adopted++
	}
	return adopted, nil
}

// Owned returns the users whose sessions this coordinator is polling.
func (c *Coordinator) Owned() []string {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	out := make([]string, 0, len(c.owned))
	for u := range c.owned {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) owns(userID string) bool {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	_, ok := c.owned[userID]
	return ok
}

func (c *Coordinator) own(userID string) {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	if _, ok := c.owned[userID]; ok {
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.owned[userID] = cancel
	c.wg.Add(1)
	go c.expiryLoop(ctx, userID)
}

func (c *Coordinator) release(userID string) {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	if cancel, ok := c.owned[userID]; ok {
		cancel()
		delete(c.owned, userID)
	}
}

// expiryLoop polls one owned session until it leaves ACTIVE, ownership is
// released, or the coordinator closes. The exit checks run at the top of
// every iteration.
func (c *Coordinator) expiryLoop(ctx context.Context, userID string) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil || !c.owns(userID) {
			return
		}
		s, err := c.store.Get(ctx, userID)
		switch {
		case err != nil:
			monitoring.Logf("session: expiry check for %s: %v", userID, err)
		case s == nil:
			c.release(userID)
			return
		case s.State.Terminal():
			if err := c.HandleEvent(ctx, Event{UserID: userID, Session: s}); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("session: %v", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			if _, _, err := c.PollExpiry(ctx, userID, now); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("session: expiry poll for %s: %v", userID, err)
			}
		}
	}
}

// Close stops every expiry loop. Sessions stay in the store.
func (c *Coordinator) Close() {
	c.cancel()
	c.ownedMu.Lock()
	for u := range c.owned {
		delete(c.owned, u)
	}
	c.ownedMu.Unlock()
	c.wg.Wait()
}
