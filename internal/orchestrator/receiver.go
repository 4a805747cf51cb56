package orchestrator

import (
	"context"
	"strings"
	"sync/atomic"
)

// Receiver delivers user identification tokens from the proximity link.
// Reassert is called on every heartbeat to keep the link advertising.
type Receiver interface {
	Tokens() <-chan string
	Reassert(ctx context.Context) error
}

// ChanReceiver is a Receiver fed in-process, by the HTTP identify endpoint
// or by tests.
type ChanReceiver struct {
	tokens     chan string
	heartbeats atomic.Uint64
}

// NewChanReceiver returns a receiver buffering up to size pending tokens.
func NewChanReceiver(size int) *ChanReceiver {
	if size < 1 {
		size = 1
	}
	return &ChanReceiver{tokens: make(chan string, size)}
}

// Deliver queues a token. It returns false when the token is empty or the
// buffer is full.
func (r *ChanReceiver) Deliver(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	select {
	case r.tokens <- token:
		return true
	default:
		return false
	}
}

func (r *ChanReceiver) Tokens() <-chan string { return r.tokens }

// Reassert counts the heartbeat; there is no link to refresh.
func (r *ChanReceiver) Reassert(context.Context) error {
	r.heartbeats.Add(1)
	return nil
}

// Heartbeats returns the number of Reassert calls.
func (r *ChanReceiver) Heartbeats() uint64 {
	return r.heartbeats.Load()
}
