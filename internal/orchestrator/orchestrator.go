// Package orchestrator wires the camera, detector, tracker, actuator and
// session coordinator into the bin's single analysis pipeline.
//
// Frames are never queued: the pipeline works on the most recent frame only,
// frames closer together than MinFrameInterval are dropped, and nothing is
// accepted while a deposit sequence is running.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sortbin/internal/db"
	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/material"
	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/roi"
	"github.com/banshee-data/sortbin/internal/session"
	"github.com/banshee-data/sortbin/internal/timeutil"
	"github.com/banshee-data/sortbin/internal/tracking"
)

// Actuator routes one item into a compartment.
type Actuator interface {
	ExecuteDeposit(ctx context.Context, category material.Category) error
}

// Coordinator is the part of the session coordinator the pipeline drives.
type Coordinator interface {
	IdentifyUser(ctx context.Context, userID string) (*session.Session, error)
	CreditMaterial(ctx context.Context, userID, materialLabel string, confidence float64) (*session.CreditResult, error)
	Session(ctx context.Context, userID string) (*session.Session, error)
}

// DepositRecorder persists every deposit attempt.
type DepositRecorder interface {
	RecordDeposit(ctx context.Context, rec db.DepositRecord) error
}

// SessionEvents delivers session store changes.
type SessionEvents interface {
	Subscribe() (string, <-chan session.Event)
	Unsubscribe(id string)
}

// Config holds the pipeline timings.
type Config struct {
	// MinFrameInterval is the shortest gap between analysed frames.
	MinFrameInterval time.Duration
	// HeartbeatInterval is how often the identification receiver is asked
	// to re-assert itself.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MinFrameInterval:  80 * time.Millisecond,
		HeartbeatInterval: 3 * time.Second,
	}
}

// Components are the collaborators of the pipeline. Recorder, Receiver,
// Events and Clock are optional.
type Components struct {
	Detector    detect.Detector
	PlateFilter detect.PlateFilter
	Tracker     *tracking.Tracker
	Zoom        *roi.Controller
	Actuator    Actuator
	Sessions    Coordinator
	Recorder    DepositRecorder
	Receiver    Receiver
	Events      SessionEvents
	Clock       timeutil.Clock
}

// Status summarizes the pipeline for the status endpoint.
type Status struct {
	Tracker         tracking.Snapshot `json:"tracker"`
	CurrentUser     string            `json:"current_user,omitempty"`
	Analyzing       bool              `json:"analyzing"`
	BaseZoom        float64           `json:"base_zoom"`
	FramesSubmitted uint64            `json:"frames_submitted"`
	FramesDropped   uint64            `json:"frames_dropped"`
	FramesProcessed uint64            `json:"frames_processed"`
	Deposits        uint64            `json:"deposits"`
	DepositFailures uint64            `json:"deposit_failures"`
	Credits         uint64            `json:"credits"`

	// LastIdentification is nil until a token has been handled.
	LastIdentification *Identification `json:"last_identification,omitempty"`
}

// Identification is the outcome of one identification attempt. Tokens are
// queued by the receiver, so this is where a refused token surfaces.
type Identification struct {
	UserID   string    `json:"user_id"`
	Time     time.Time `json:"time"`
	Accepted bool      `json:"accepted"`
	Error    string    `json:"error,omitempty"`
}

// Orchestrator runs the analysis pipeline.
type Orchestrator struct {
	cfg Config
	Components

	mailbox   chan detect.Frame
	analyzing atomic.Bool
	// lastFrame is the UnixNano time of the last analysed frame; zero
	// before the first one.
	lastFrame atomic.Int64

	userMu      sync.Mutex
	currentUser string
	lastIdent   *Identification

	submitted atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	deposits  atomic.Uint64
	failures  atomic.Uint64
	credits   atomic.Uint64
}

// New returns an idle orchestrator. Call Run to start the pipeline.
func New(cfg Config, c Components) *Orchestrator {
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Zoom == nil {
		c.Zoom = roi.NewController(1)
	}
	return &Orchestrator{
		cfg:        cfg,
		Components: c,
		mailbox:    make(chan detect.Frame, 1),
	}
}

func (o *Orchestrator) frameTime(f detect.Frame) time.Time {
	if f.Timestamp.IsZero() {
		return o.Clock.Now()
	}
	return f.Timestamp
}

// Submit offers a frame to the pipeline. It never blocks. A pending frame
// not yet picked up is replaced. It reports whether the frame was accepted.
func (o *Orchestrator) Submit(f detect.Frame) bool {
	o.submitted.Add(1)
	if o.analyzing.Load() {
		o.drop(f, "deposit in progress")
		return false
	}
	if last := o.lastFrame.Load(); last != 0 {
		if gap := o.frameTime(f).Sub(time.Unix(0, last)); gap < o.cfg.MinFrameInterval {
			o.drop(f, fmt.Sprintf("%v after previous", gap))
			return false
		}
	}

	for {
		select {
		case o.mailbox <- f:
			return true
		default:
		}
		select {
		case stale := <-o.mailbox:
			o.drop(stale, "replaced by newer frame")
		default:
		}
	}
}

func (o *Orchestrator) drop(f detect.Frame, why string) {
	o.dropped.Add(1)
	monitoring.Debugf("orchestrator: dropped frame %d: %s", f.Seq, why)
}

// ProcessFrame runs one frame through detection and tracking, and performs
// the deposit when the tracker confirms an item.
func (o *Orchestrator) ProcessFrame(ctx context.Context, f detect.Frame) error {
	now := o.frameTime(f)
	o.lastFrame.Store(now.UnixNano())
	o.processed.Add(1)

	base := o.Zoom.Base()
	crop := roi.Effective(base, o.Tracker.ZoomRegion())
	dets, err := o.Detector.Detect(ctx, f, crop)
	if err != nil {
		return fmt.Errorf("detect frame %d: %w", f.Seq, err)
	}
	dets = o.PlateFilter.Apply(dets, crop)
	if base != nil {
		dets = relativeTo(dets, *base)
	}

	confirmed, ok := o.Tracker.Update(dets, now)
	if !ok {
		return nil
	}
	o.deposit(ctx, confirmed)
	return nil
}

// relativeTo re-expresses full-frame detections in the coordinates of the
// base crop, so the tracker's zoom region composes with it in Effective.
func relativeTo(dets []detect.Detection, base roi.Rect) []detect.Detection {
	out := make([]detect.Detection, len(dets))
	for i, d := range dets {
		d.Box = d.Box.Relative(base).Clamp()
		out[i] = d
	}
	return out
}

func (o *Orchestrator) deposit(ctx context.Context, c tracking.Confirmation) {
	o.analyzing.Store(true)
	defer o.analyzing.Store(false)

	category := material.FromClass(c.Material)
	monitoring.Logf("orchestrator: confirmed %s (%d%% of votes, conf %.2f), routing to %s",
		c.Material, c.VotePercent, c.Confidence, category)
	rec := db.DepositRecord{
		Time:        o.Clock.Now(),
		ClassName:   c.Material,
		Category:    category.String(),
		Confidence:  c.Confidence,
		VotePercent: c.VotePercent,
	}

	if err := o.Actuator.ExecuteDeposit(ctx, category); err != nil {
		o.failures.Add(1)
		monitoring.Logf("orchestrator: deposit failed, rescanning: %v", err)
		rec.Error = err.Error()
		o.Tracker.Reset(o.Clock.Now())
		o.record(ctx, rec)
		return
	}
	o.deposits.Add(1)
	rec.Success = true

	if user := o.CurrentUser(); user == "" {
		monitoring.Logf("orchestrator: %s deposited with no identified user, not credited", c.Material)
	} else if res, err := o.Sessions.CreditMaterial(ctx, user, c.Material, c.Confidence); err != nil {
		monitoring.Logf("orchestrator: failed to credit %s: %v", user, err)
		if errors.Is(err, session.ErrNoActiveSession) {
			o.clearUser(user)
		}
	} else {
		o.credits.Add(1)
		rec.UserID, rec.Points = user, res.Points
		monitoring.Logf("orchestrator: credited %s +%d (session %d)", user, res.Points, res.SessionPoints)
	}

	o.Tracker.StartCooldown(o.Clock.Now())
	o.record(ctx, rec)
}

func (o *Orchestrator) record(ctx context.Context, rec db.DepositRecord) {
	if o.Recorder == nil {
		return
	}
	if err := o.Recorder.RecordDeposit(ctx, rec); err != nil {
		monitoring.Logf("orchestrator: failed to record deposit: %v", err)
	}
}

// Identify starts a session for a token delivered by the receiver and makes
// that user the target of subsequent credits.
func (o *Orchestrator) Identify(ctx context.Context, userID string) error {
	s, err := o.Sessions.IdentifyUser(ctx, userID)
	outcome := &Identification{UserID: userID, Time: o.Clock.Now(), Accepted: err == nil}
	if err != nil {
		outcome.Error = err.Error()
	}
	o.userMu.Lock()
	defer o.userMu.Unlock()
	o.lastIdent = outcome
	if err != nil {
		return err
	}
	o.currentUser = s.UserID
	return nil
}

// LastIdentification returns the outcome of the latest identification
// attempt, or nil.
func (o *Orchestrator) LastIdentification() *Identification {
	o.userMu.Lock()
	defer o.userMu.Unlock()
	if o.lastIdent == nil {
		return nil
	}
	id := *o.lastIdent
	return &id
}

// CurrentUser returns the user being credited, or "".
func (o *Orchestrator) CurrentUser() string {
	o.userMu.Lock()
	defer o.userMu.Unlock()
	return o.currentUser
}

func (o *Orchestrator) clearUser(userID string) {
	o.userMu.Lock()
	defer o.userMu.Unlock()
	if o.currentUser == userID {
		o.currentUser = ""
	}
}

func (o *Orchestrator) handleEvent(ev session.Event) {
	if ev.Session == nil || ev.Session.State.Terminal() {
		o.clearUser(ev.UserID)
	}
}

// Run drives the pipeline, the identification channel and the receiver
// heartbeat until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pipeline(ctx)
	}()

	var (
		tokens <-chan string
		beats  <-chan time.Time
		events <-chan session.Event
	)
	if o.Receiver != nil {
		tokens = o.Receiver.Tokens()
		heartbeat := o.Clock.NewTicker(o.cfg.HeartbeatInterval)
		defer heartbeat.Stop()
		beats = heartbeat.C()
	}
	if o.Events != nil {
		id, ch := o.Events.Subscribe()
		defer o.Events.Unsubscribe(id)
		events = ch
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case token, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			if err := o.Identify(ctx, token); err != nil {
				monitoring.Logf("orchestrator: identification rejected: %v", err)
			}
		case <-beats:
			if err := o.Receiver.Reassert(ctx); err != nil {
				monitoring.Logf("orchestrator: receiver heartbeat failed: %v", err)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) pipeline(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-o.mailbox:
			if err := o.ProcessFrame(ctx, f); err != nil {
				monitoring.Logf("orchestrator: %v", err)
			}
		}
	}
}

// Status returns a snapshot of the pipeline.
func (o *Orchestrator) Status() Status {
	return Status{
		Tracker:         o.Tracker.Snapshot(),
		CurrentUser:     o.CurrentUser(),
		Analyzing:       o.analyzing.Load(),
		BaseZoom:        o.Zoom.Zoom(),
		FramesSubmitted: o.submitted.Load(),
		FramesDropped:   o.dropped.Load(),
		FramesProcessed: o.processed.Load(),
		Deposits:        o.deposits.Load(),
		DepositFailures: o.failures.Load(),
		Credits:         o.credits.Load(),

		LastIdentification: o.LastIdentification(),
	}
}
