// Package api serves the bin's JSON HTTP API: user identification, the
// user-side session finish, and read-only views of sessions, users, history
// and pipeline status.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sortbin/internal/actuator"
	"github.com/banshee-data/sortbin/internal/db"
	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/httputil"
	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/orchestrator"
	"github.com/banshee-data/sortbin/internal/roi"
	"github.com/banshee-data/sortbin/internal/session"
	"github.com/banshee-data/sortbin/internal/version"
)

const (
	defaultHistoryLimit = 50
	maxFrameBytes       = 8 << 20
)

// Sessions is the part of the session coordinator the API uses.
type Sessions interface {
	Session(ctx context.Context, userID string) (*session.Session, error)
	MarkFinishedByUser(ctx context.Context, userID string) error
	Owned() []string
}

// Identifier accepts identification tokens, as a proximity receiver would.
type Identifier interface {
	Deliver(token string) bool
}

// Pipeline reports the analysis pipeline status and accepts camera frames.
type Pipeline interface {
	Status() orchestrator.Status
	Submit(f detect.Frame) bool
}

// Actuator reports the actuator link status.
type Actuator interface {
	Status() actuator.Status
}

// Deposits lists the deposit log.
type Deposits interface {
	RecentDeposits(ctx context.Context, limit int) ([]db.DepositRecord, error)
}

// Backends are the components the handlers read and drive. Users, History,
// Deposits and Zoom are optional; their routes answer 404 or 503 when nil.
type Backends struct {
	Sessions   Sessions
	Identifier Identifier
	Pipeline   Pipeline
	Actuator   Actuator
	Users      session.UserTotalsStore
	History    session.HistoryStore
	Deposits   Deposits
	Zoom       *roi.Controller
}

type Server struct {
	b        Backends
	frameSeq atomic.Uint64
}

func NewServer(b Backends) *Server {
	return &Server{b: b}
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/identify", s.handleIdentify)
	mux.HandleFunc("/api/sessions/finish", s.handleFinish)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/deposits", s.handleDeposits)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/zoom", s.handleZoom)
	mux.HandleFunc("/api/frames", s.handleFrame)
	return mux
}

type userRequest struct {
	UserID string `json:"user_id"`
}

// readUser decodes a {"user_id": ...} body and applies the id length rule.
func readUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return "", false
	}
	var req userRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return "", false
	}
	userID := strings.TrimSpace(req.UserID)
	if len(userID) < session.MinUserIDLength {
		httputil.BadRequest(w, "user_id must be at least "+strconv.Itoa(session.MinUserIDLength)+" characters")
		return "", false
	}
	return userID, true
}

// handleIdentify feeds the token to the receiver channel. The session is
// started asynchronously by the pipeline, which reports the outcome as
// last_identification in /api/status.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	userID, ok := readUser(w, r)
	if !ok {
		return
	}
	if !s.b.Identifier.Deliver(userID) {
		httputil.ServiceUnavailable(w, "identification queue full, retry shortly")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "user_id": userID})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	userID, ok := readUser(w, r)
	if !ok {
		return
	}
	err := s.b.Sessions.MarkFinishedByUser(r.Context(), userID)
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		httputil.NotFound(w, "no active session for user")
	case err != nil:
		monitoring.Logf("api: finish %s: %v", userID, err)
		httputil.InternalServerError(w, "failed to finish session")
	default:
		httputil.WriteJSONOK(w, map[string]string{"status": string(session.StateFinishedByUser), "user_id": userID})
	}
}

// handleSessions returns one user's session, or every session this bin
// polls when no user_id is given.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		sess, err := s.b.Sessions.Session(r.Context(), userID)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if sess == nil {
			httputil.NotFound(w, "no session for user")
			return
		}
		httputil.WriteJSONOK(w, sess)
		return
	}

	out := []*session.Session{}
	for _, userID := range s.b.Sessions.Owned() {
		sess, err := s.b.Sessions.Session(r.Context(), userID)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.b.Users == nil {
		httputil.ServiceUnavailable(w, "user totals are not stored")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	totals, err := s.b.Users.UserTotals(r.Context(), userID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if totals == nil {
		httputil.NotFound(w, "unknown user")
		return
	}
	httputil.WriteJSONOK(w, totals)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.b.History == nil {
		httputil.ServiceUnavailable(w, "session history is not stored")
		return
	}
	limit, ok := readLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.b.History.History(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if entries == nil {
		entries = []session.HistoryEntry{}
	}
	httputil.WriteJSONOK(w, entries)
}

// readLimit parses the optional positive limit query parameter.
func readLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		httputil.BadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

// handleDeposits returns the latest actuator deposits, newest first,
// including failed ones.
func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.b.Deposits == nil {
		httputil.ServiceUnavailable(w, "deposits are not logged")
		return
	}
	limit, ok := readLimit(w, r)
	if !ok {
		return
	}
	records, err := s.b.Deposits.RecentDeposits(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if records == nil {
		records = []db.DepositRecord{}
	}
	httputil.WriteJSONOK(w, records)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version  version.Info        `json:"version"`
	Pipeline orchestrator.Status `json:"pipeline"`
	Actuator actuator.Status     `json:"actuator"`
	Sessions []string            `json:"sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{
		Version:  version.Get(),
		Pipeline: s.b.Pipeline.Status(),
		Actuator: s.b.Actuator.Status(),
		Sessions: s.b.Sessions.Owned(),
	})
}

type zoomBody struct {
	Zoom float64 `json:"zoom"`
}

// handleZoom reads or sets the camera's base zoom during bin setup.
func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	if s.b.Zoom == nil {
		httputil.ServiceUnavailable(w, "zoom is not adjustable")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var body zoomBody
		if err := httputil.DecodeJSON(w, r, &body); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if body.Zoom < 1 || body.Zoom > roi.MaxZoom {
			httputil.BadRequest(w, "zoom must be between 1 and "+strconv.FormatFloat(roi.MaxZoom, 'f', -1, 64))
			return
		}
		s.b.Zoom.SetZoom(body.Zoom)
		monitoring.Logf("api: base zoom set to %.2f", body.Zoom)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	httputil.WriteJSONOK(w, zoomBody{Zoom: s.b.Zoom.Zoom()})
}

// handleFrame takes one encoded camera image. The optional rotation query
// parameter gives the clockwise degrees needed to bring it upright.
// Dropped frames are not an error; the camera keeps sending.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	rotation := 0
	if v := r.URL.Query().Get("rotation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n%90 != 0 {
			httputil.BadRequest(w, "rotation must be a multiple of 90")
			return
		}
		rotation = n
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		httputil.BadRequest(w, "failed to read frame: "+err.Error())
		return
	}
	if len(data) == 0 {
		httputil.BadRequest(w, detect.ErrEmptyFrame.Error())
		return
	}

	seq := s.frameSeq.Add(1)
	accepted := s.b.Pipeline.Submit(detect.Frame{
		Seq:       seq,
		Data:      data,
		Rotation:  rotation,
		Timestamp: time.Now(),
	})
	httputil.WriteJSONOK(w, map[string]interface{}{"seq": seq, "accepted": accepted})
}
