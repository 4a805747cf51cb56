package actuator

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKind enumerates the firmware commands.
type CommandKind int

const (
	Rotate CommandKind = iota
	Tilt
	DepositSequence
	ResetAxes
	Ping
)

// HomeAngle is the rotation the base returns to after every deposit.
const HomeAngle = -80

// Replies sent by the firmware.
const (
	ReplyOK    = "OK"
	ReplyPong  = "PONG"
	ReplyReady = "LISTO"
)

// Command is one line of the actuator protocol.
type Command struct {
	Kind  CommandKind
	Angle int
	// Tilt is only used by DepositSequence.
	Tilt int
}

func RotateTo(angle int) Command { return Command{Kind: Rotate, Angle: angle} }
func TiltTo(angle int) Command   { return Command{Kind: Tilt, Angle: angle} }

// String renders the command as sent on the wire, without the newline.
func (c Command) String() string {
	switch c.Kind {
	case Rotate:
		return "GIRO:" + strconv.Itoa(c.Angle)
	case Tilt:
		return "INCL:" + strconv.Itoa(c.Angle)
	case DepositSequence:
		return fmt.Sprintf("DEPOSIT:%d,%d", c.Angle, c.Tilt)
	case ResetAxes:
		return "RESET"
	case Ping:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c.Kind))
	}
}

// Expect returns the reply that acknowledges the command.
func (c Command) Expect() string {
	switch c.Kind {
	case Ping:
		return ReplyPong
	case DepositSequence:
		return ReplyReady
	default:
		return ReplyOK
	}
}

// ParseCommand parses a protocol line. The simulated firmware uses it to
// answer the controller.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "PING":
		return Command{Kind: Ping}, nil
	case line == "RESET":
		return Command{Kind: ResetAxes}, nil
	case strings.HasPrefix(line, "GIRO:"):
		n, err := strconv.Atoi(strings.TrimPrefix(line, "GIRO:"))
		if err != nil {
			return Command{}, fmt.Errorf("bad rotation in %q: %w", line, err)
		}
		return RotateTo(n), nil
	case strings.HasPrefix(line, "INCL:"):
		n, err := strconv.Atoi(strings.TrimPrefix(line, "INCL:"))
		if err != nil {
			return Command{}, fmt.Errorf("bad tilt in %q: %w", line, err)
		}
		return TiltTo(n), nil
	case strings.HasPrefix(line, "DEPOSIT:"):
		var rot, tilt int
		if _, err := fmt.Sscanf(strings.TrimPrefix(line, "DEPOSIT:"), "%d,%d", &rot, &tilt); err != nil {
			return Command{}, fmt.Errorf("bad deposit in %q: %w", line, err)
		}
		return Command{Kind: DepositSequence, Angle: rot, Tilt: tilt}, nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", line)
	}
}
