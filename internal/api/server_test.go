package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/sortbin/internal/actuator"
	"github.com/banshee-data/sortbin/internal/db"
	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/orchestrator"
	"github.com/banshee-data/sortbin/internal/roi"
	"github.com/banshee-data/sortbin/internal/session"
	"github.com/banshee-data/sortbin/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "uid-alice-0000000000001"

type fakePipeline struct {
	status orchestrator.Status
	frames []detect.Frame
	accept bool
}

func (p *fakePipeline) Status() orchestrator.Status { return p.status }

func (p *fakePipeline) Submit(f detect.Frame) bool {
	p.frames = append(p.frames, f)
	return p.accept
}

type fakeDeposits struct {
	records []db.DepositRecord
	limit   int
}

func (d *fakeDeposits) RecentDeposits(_ context.Context, limit int) ([]db.DepositRecord, error) {
	d.limit = limit
	if limit < len(d.records) {
		return d.records[:limit], nil
	}
	return d.records, nil
}

type testServer struct {
	mux      http.Handler
	store    *session.MemoryStore
	sessions *session.Coordinator
	receiver *orchestrator.ChanReceiver
	zoom     *roi.Controller
	pipeline *fakePipeline
	deposits *fakeDeposits
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := session.NewMemoryStore()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	sessions := session.NewCoordinator(store, session.Config{BinLabel: "bin-7"}, session.WithClock(clock))
	t.Cleanup(sessions.Close)
	receiver := orchestrator.NewChanReceiver(1)
	zoom := roi.NewController(1)
	pipeline := &fakePipeline{status: orchestrator.Status{
		CurrentUser:     alice,
		FramesProcessed: 7,
		LastIdentification: &orchestrator.Identification{
			UserID: "uid-bob-00000000000000002",
			Error:  "uid-bob-00000000000000002 at bin-1: user already has an active session",
		},
	}, accept: true}
	deposits := &fakeDeposits{}

	srv := NewServer(Backends{
		Sessions:   sessions,
		Identifier: receiver,
		Pipeline:   pipeline,
		Actuator:   actuator.Disabled{},
		Users:      store,
		History:    store,
		Deposits:   deposits,
		Zoom:       zoom,
	})
	return &testServer{
		mux:      LoggingMiddleware(srv.ServeMux()),
		store:    store,
		sessions: sessions,
		receiver: receiver,
		zoom:     zoom,
		pipeline: pipeline,
		deposits: deposits,
	}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestIdentify(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/identify", `{"user_id": " `+alice+` "}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, alice, <-ts.receiver.Tokens())

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"short id", http.MethodPost, `{"user_id":"abc"}`, http.StatusBadRequest},
		{"missing body", http.MethodPost, ``, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"uid":"` + alice + `"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(tt.method, "/api/identify", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestIdentify_QueueFull(t *testing.T) {
	ts := newTestServer(t)
	body := `{"user_id":"` + alice + `"}`

	require.Equal(t, http.StatusAccepted, ts.do(http.MethodPost, "/api/identify", body).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/api/identify", body).Code)
}

func TestFinish(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	body := `{"user_id":"` + alice + `"}`

	w := ts.do(http.MethodPost, "/api/sessions/finish", body)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := ts.sessions.IdentifyUser(ctx, alice)
	require.NoError(t, err)
	w = ts.do(http.MethodPost, "/api/sessions/finish", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "finalizada_por_brindador", decode[map[string]string](t, w)["status"])

	s, err := ts.store.Get(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, session.StateFinishedByUser, s.State)
}

func TestSessions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do(http.MethodGet, "/api/sessions?user_id="+alice, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]session.Session](t, w))

	_, err := ts.sessions.IdentifyUser(ctx, alice)
	require.NoError(t, err)
	_, err = ts.sessions.CreditMaterial(ctx, alice, "papel", 0.8)
	require.NoError(t, err)

	w = ts.do(http.MethodGet, "/api/sessions?user_id="+alice, "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[session.Session](t, w)
	assert.Equal(t, session.StateActive, s.State)
	assert.Equal(t, 3, s.Points)
	require.Len(t, s.Deposits, 1)
	assert.Contains(t, w.Body.String(), `"activa"`)

	w = ts.do(http.MethodGet, "/api/sessions", "")
	list := decode[[]session.Session](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].UserID)

	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodDelete, "/api/sessions", "").Code)
}

func TestUsers(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/users", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/users?user_id="+alice, "").Code)

	_, err := ts.sessions.IdentifyUser(ctx, alice)
	require.NoError(t, err)
	_, err = ts.sessions.CreditMaterial(ctx, alice, "metal", 0.7)
	require.NoError(t, err)

	w := ts.do(http.MethodGet, "/api/users?user_id="+alice, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	totals := decode[session.UserTotals](t, w)
	assert.Equal(t, 12, totals.BioCoins)
	assert.Equal(t, 1, totals.Items)
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do(http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	_, err := ts.sessions.IdentifyUser(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, ts.sessions.Finish(ctx, alice, session.ReasonUser))

	w = ts.do(http.MethodGet, "/api/history?user_id="+alice+"&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]session.HistoryEntry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, session.StateFinishedByUser, entries[0].State)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/history?limit=0", "").Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[StatusResponse](t, w)
	assert.Equal(t, alice, st.Pipeline.CurrentUser)
	assert.EqualValues(t, 7, st.Pipeline.FramesProcessed)
	assert.False(t, st.Actuator.Connected)
	assert.Equal(t, "dev", st.Version.Version)
	assert.Empty(t, st.Sessions)

	require.NotNil(t, st.Pipeline.LastIdentification)
	assert.False(t, st.Pipeline.LastIdentification.Accepted)
	assert.Contains(t, st.Pipeline.LastIdentification.Error, "bin-1")
}

func TestDeposits(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/deposits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
	assert.Equal(t, defaultHistoryLimit, ts.deposits.limit)

	ts.deposits.records = []db.DepositRecord{
		{ID: "d-2", ClassName: "metal", Category: "metal", Success: false, Error: "INCL:-45: timeout"},
		{ID: "d-1", ClassName: "metal", Category: "metal", Success: true, UserID: alice, Points: 12},
	}
	w = ts.do(http.MethodGet, "/api/deposits?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]db.DepositRecord](t, w)
	require.Len(t, got, 1)
	assert.Equal(t, "d-2", got[0].ID)
	assert.False(t, got[0].Success)
	assert.Equal(t, 1, ts.deposits.limit)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/deposits?limit=x", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodPost, "/api/deposits", "").Code)

	unlogged := NewServer(Backends{}).ServeMux()
	w = httptest.NewRecorder()
	unlogged.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/deposits", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestZoom(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/zoom", `{"zoom": 2.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2.5, ts.zoom.Zoom())

	w = ts.do(http.MethodGet, "/api/zoom", "")
	assert.JSONEq(t, `{"zoom": 2.5}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/zoom", `{"zoom": 9}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/zoom", `{"zoom": 0.5}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodPut, "/api/zoom", "").Code)
	assert.Equal(t, 2.5, ts.zoom.Zoom())
}

func TestStatusCodeColor(t *testing.T) {
	for code, want := range map[int]string{
		200: colorBoldGreen + "200" + colorReset,
		304: colorYellow + "304" + colorReset,
		404: colorBoldRed + "404" + colorReset,
		503: colorBoldRed + "503" + colorReset,
		100: "100",
	} {
		if got := statusCodeColor(code); got != want {
			t.Errorf("statusCodeColor(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestFrames(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/frames?rotation=90", "\xff\xd8jpeg")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"seq": 1, "accepted": true}`, w.Body.String())
	require.Len(t, ts.pipeline.frames, 1)
	f := ts.pipeline.frames[0]
	assert.EqualValues(t, 1, f.Seq)
	assert.Equal(t, 90, f.Rotation)
	assert.Equal(t, []byte("\xff\xd8jpeg"), f.Data)
	assert.False(t, f.Timestamp.IsZero())

	ts.pipeline.accept = false
	w = ts.do(http.MethodPost, "/api/frames", "jpeg")
	assert.JSONEq(t, `{"seq": 2, "accepted": false}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/frames", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/frames?rotation=45", "jpeg").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodGet, "/api/frames", "").Code)
}
