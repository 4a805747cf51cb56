package actuator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/sortbin/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortWritePort accepts one byte less than it is given.
type shortWritePort struct{ *SimulatedPort }

func (p shortWritePort) Write(b []byte) (int, error) { return len(b) - 1, nil }

func TestLineMux_FanOut(t *testing.T) {
	port := NewSimulatedPort()
	mux := NewLineMux[Port](port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()
	require.NotEqual(t, "", id1)

	require.NoError(t, mux.SendCommand("PING"))
	for _, ch := range []chan string{ch1, ch2} {
		select {
		case line := <-ch:
			assert.Equal(t, "PONG", line, "carriage return is trimmed")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reply")
		}
	}

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel is closed")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, mux.Close())
}

func TestLineMux_SendCommandAppendsNewline(t *testing.T) {
	port := NewSimulatedPort()
	mux := NewLineMux[Port](port)
	require.NoError(t, mux.SendCommand("GIRO:10\n"))
	require.NoError(t, mux.SendCommand("INCL:5"))
	assert.Equal(t, []string{"GIRO:10", "INCL:5"}, port.Written())
}

func TestLineMux_WriteErrors(t *testing.T) {
	port := NewSimulatedPort()
	port.WriteError = errors.New("broken pipe")
	assert.ErrorContains(t, NewLineMux[Port](port).SendCommand("PING"), "broken pipe")

	short := NewLineMux(shortWritePort{NewSimulatedPort()})
	assert.ErrorIs(t, short.SendCommand("PING"), ErrWriteFailed)
}

func TestLineMux_CloseEndsMonitor(t *testing.T) {
	port := NewSimulatedPort()
	mux := NewLineMux[Port](port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	require.NoError(t, mux.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after close")
	}
	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, mux.Close())
}

func TestSimulatedPort_UnknownCommand(t *testing.T) {
	port := NewSimulatedPort()
	mux := NewLineMux[Port](port)
	go mux.Monitor(context.Background())
	defer mux.Close()

	_, ch := mux.Subscribe()
	require.NoError(t, mux.SendCommand("SPIN"))
	select {
	case line := <-ch:
		assert.Equal(t, "ERROR", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestSimulatedPort_ReplyDelay(t *testing.T) {
	port := NewSimulatedPort()
	port.ReplyDelay = 20 * time.Millisecond
	mux := NewLineMux[Port](port)
	go mux.Monitor(context.Background())
	defer mux.Close()

	start := time.Now()
	err := exchange(context.Background(), mux, timeutil.RealClock{}, Command{Kind: Ping}, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	err = exchange(context.Background(), mux, timeutil.RealClock{}, RotateTo(10), 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
