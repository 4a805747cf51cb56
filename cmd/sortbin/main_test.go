package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/sortbin/internal/actuator"
	"github.com/banshee-data/sortbin/internal/config"
	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/session"
	"github.com/banshee-data/sortbin/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func TestActuatorConfig_Overrides(t *testing.T) {
	cfg := config.EmptyBinConfig()
	cfg.PairedDevices = []actuator.PairedDevice{{Name: "ESP32_Detector", Path: "/dev/rfcomm0"}}

	ac := actuatorConfig(cfg, "", "", false)
	assert.Equal(t, actuator.DefaultDeviceName, ac.DeviceName)
	assert.Equal(t, cfg.PairedDevices, ac.Paired)

	ac = actuatorConfig(cfg, "", "/dev/ttyUSB0", false)
	path, err := actuator.ResolveDevice(ac.DeviceName, ac.Paired, nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", path)

	ac = actuatorConfig(cfg, "Bin_B", "", false)
	assert.Equal(t, "Bin_B", ac.DeviceName)
	_, err = actuator.ResolveDevice(ac.DeviceName, ac.Paired, nil)
	assert.Error(t, err)

	ac = actuatorConfig(config.EmptyBinConfig(), "", "", true)
	path, err = actuator.ResolveDevice(ac.DeviceName, ac.Paired, nil)
	require.NoError(t, err)
	assert.Equal(t, "simulated", path)
}

func TestLoadBinConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bin_label": "bin-7"}`), 0644))

	cfg, err := loadBinConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bin-7", cfg.GetBinLabel())

	_, err = loadBinConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []detect.Frame
}

func (r *frameRecorder) Submit(f detect.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return true
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestReplayFrames(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	sink := &frameRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		replayFrames(ctx, sink, clock, 80*time.Millisecond)
	}()

	require.True(t, clock.WaitForTickers(1, time.Second))
	clock.Advance(80 * time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(80 * time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.EqualValues(t, 1, sink.frames[0].Seq)
	assert.EqualValues(t, 2, sink.frames[1].Seq)
	assert.Equal(t, t0.Add(160*time.Millisecond), sink.frames[1].Timestamp)
}

func TestKeepConnected_Retries(t *testing.T) {
	sim := actuator.NewSimulatedPort()
	var mu sync.Mutex
	attempts := 0
	open := func(path string, opts actuator.PortOptions) (actuator.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, errors.New("rfcomm busy")
		}
		return sim.OpenSimulated(path, opts)
	}

	cfg := actuator.DefaultConfig()
	cfg.Paired = []actuator.PairedDevice{{Name: cfg.DeviceName, Path: "/dev/rfcomm0"}}
	controller := actuator.NewController(cfg, actuator.WithOpener(open), actuator.WithPortLister(nil))
	defer controller.Close()

	clock := timeutil.NewMockClock(t0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepConnected(ctx, controller, clock, 10*time.Second)
	}()

	require.True(t, clock.WaitForTickers(1, time.Second))
	assert.False(t, controller.Connected())

	clock.Advance(10 * time.Second)
	require.Eventually(t, controller.Connected, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

type activeList struct {
	ids []string
	err error
}

func (l activeList) ActiveSessions(context.Context) ([]string, error) { return l.ids, l.err }

func TestResumeSessions(t *testing.T) {
	const user = "uid-resume-000000000001"
	ctx := context.Background()
	store := session.NewMemoryStore()
	require.NoError(t, store.Put(ctx, &session.Session{UserID: user, BinLabel: "bin-7", StartTime: t0, LastActivity: t0, State: session.StateActive}))

	c := session.NewCoordinator(store, session.Config{BinLabel: "bin-7"}, session.WithClock(timeutil.NewMockClock(t0)))
	defer c.Close()

	require.NoError(t, resumeSessions(ctx, c, activeList{ids: []string{user}}))
	assert.Equal(t, []string{user}, c.Owned())

	assert.Error(t, resumeSessions(ctx, c, activeList{err: errors.New("disk I/O error")}))
}
