package actuator

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// SimulatedPort behaves like the sorting firmware: every line written is
// parsed and answered on the read side. It backs -mock mode and the tests.
type SimulatedPort struct {
	mu       sync.Mutex
	readCond *sync.Cond
	pending  bytes.Buffer
	readBuf  bytes.Buffer
	written  []string
	closed   bool

	// Overrides maps a command line (e.g. "GIRO:59") to the reply sent
	// instead of the normal acknowledgment. An empty string sends nothing,
	// so the controller times out.
	Overrides map[string]string
	// ReplyDelay postpones each reply.
	ReplyDelay time.Duration
	// WriteError, when set, is returned by every Write.
	WriteError error

	rotation int
	tilt     int
}

// NewSimulatedPort returns a port answering like healthy firmware.
func NewSimulatedPort() *SimulatedPort {
	p := &SimulatedPort{Overrides: make(map[string]string)}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// OpenSimulated is a PortOpener returning p regardless of path.
func (p *SimulatedPort) OpenSimulated(string, PortOptions) (Port, error) {
	return p, nil
}

// SetOverride changes the reply to a command line.
func (p *SimulatedPort) SetOverride(line, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Overrides[line] = reply
}

// Read blocks until a reply is available or the port is closed.
func (p *SimulatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

// Write accepts protocol lines and schedules their replies.
func (p *SimulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.mu.Unlock()
		return 0, err
	}
	p.pending.Write(b)
	var replies []string
	for {
		line, err := p.pending.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			p.pending.Reset()
			p.pending.WriteString(line)
			break
		}
		line = strings.TrimSpace(line)
		p.written = append(p.written, line)
		if reply, ok := p.reply(line); ok {
			replies = append(replies, reply)
		}
	}
	delay := p.ReplyDelay
	p.mu.Unlock()

	if len(replies) > 0 {
		send := func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for _, r := range replies {
				p.readBuf.WriteString(r + "\r\n")
			}
			p.readCond.Broadcast()
		}
		if delay > 0 {
			time.AfterFunc(delay, send)
		} else {
			send()
		}
	}
	return len(b), nil
}

// reply must be called with mu held.
func (p *SimulatedPort) reply(line string) (string, bool) {
	if r, ok := p.Overrides[line]; ok {
		return r, r != ""
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		return "ERROR", true
	}
	switch cmd.Kind {
	case Rotate:
		p.rotation = cmd.Angle
	case Tilt:
		p.tilt = cmd.Angle
	case ResetAxes:
		p.rotation, p.tilt = 0, 0
	case DepositSequence:
		p.rotation, p.tilt = HomeAngle, 0
	}
	return cmd.Expect(), true
}

// Close unblocks readers and rejects further writes.
func (p *SimulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// Written returns every command line received, in order.
func (p *SimulatedPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Position returns the simulated servo angles.
func (p *SimulatedPort) Position() (rotation, tilt int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotation, p.tilt
}
