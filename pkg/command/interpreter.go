// Package command turns key events and typed command lines into burst
// requests.
package command

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/Seann-Moser/rccar/pkg/config"
	"github.com/Seann-Moser/rccar/pkg/pwm"
)

// Event is an arrow-key style discrete input.
type Event int

const (
	Up Event = iota
	Down
	Left
	Right
)

func (e Event) String() string {
	switch e {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ParseEvent maps a key name to an Event.
func ParseEvent(s string) (Event, error) {
	switch strings.ToLower(s) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	}
	return 0, errors.Errorf("unknown key %q", s)
}

// binding ties a discrete event to a preset.
type binding struct {
	role     config.Role
	position string
	neutral  bool
	status   string
}

var bindings = map[Event]binding{
	Up:    {role: config.RoleSpeed, position: "partial", neutral: true, status: "Servo 2 set to partial speed (forward)"},
	Down:  {role: config.RoleSpeed, position: "reverse", neutral: true, status: "Servo 2 set to partial speed (reverse)"},
	Left:  {role: config.RoleSteering, position: "left", status: "Turning left"},
	Right: {role: config.RoleSteering, position: "right", status: "Turning right"},
}

// Action is a decoded command: the burst to run and what to tell the user.
type Action struct {
	Request pwm.Request
	Status  string
}

// State of the line buffer.
type State int

const (
	Idle State = iota
	Accumulating
)

// Interpreter decodes input for one session. It is not safe for concurrent
// use; the session loop owns it.
type Interpreter struct {
	cfg      config.Config
	discrete map[Event]Action

	buf   []rune
	state State
}

// New resolves the discrete bindings against cfg. cfg must already be valid.
func New(cfg config.Config) (*Interpreter, error) {
	in := &Interpreter{cfg: cfg, discrete: make(map[Event]Action, len(bindings))}
	for ev, b := range bindings {
		servo, ok := cfg.ServoByRole(b.role)
		if !ok {
			return nil, errors.Errorf("%s key: no %s servo configured", ev, b.role)
		}
		pos, ok := servo.Position(b.position)
		if !ok {
			return nil, errors.Errorf("%s key: servo %s has no %q position", ev, servo.ID, b.position)
		}
		in.discrete[ev] = Action{
			Request: pwm.Request{
				Line:              servo.Line,
				PulseWidth:        pos.Pulse,
				Duration:          cfg.DiscreteDuration,
				ReturnToNeutral:   b.neutral,
				NeutralPulseWidth: servo.NeutralPulse(),
			},
			Status: b.status,
		}
	}
	return in, nil
}

// Discrete returns the fixed action bound to ev.
func (in *Interpreter) Discrete(ev Event) (Action, error) {
	a, ok := in.discrete[ev]
	if !ok {
		return Action{}, errors.Errorf("no binding for %s", ev)
	}
	return a, nil
}

// State reports whether a command is being typed.
func (in *Interpreter) State() State {
	return in.state
}

// Buffer returns the text typed so far.
func (in *Interpreter) Buffer() string {
	return string(in.buf)
}

// Feed adds one typed rune. It returns done=true when a terminator ended a
// non-empty command; the buffer is cleared then whether parsing succeeded or
// not. A terminator on an empty buffer does nothing.
func (in *Interpreter) Feed(r rune) (a Action, done bool, err error) {
	switch {
	case r == '\r' || r == '\n':
		if in.state == Idle {
			return Action{}, false, nil
		}
		line := string(in.buf)
		in.reset()
		a, err = in.Parse(line)
		return a, true, err
	case r == '\b' || r == 0x7f:
		if len(in.buf) > 0 {
			in.buf = in.buf[:len(in.buf)-1]
		}
		if len(in.buf) == 0 {
			in.state = Idle
		}
	case unicode.IsPrint(r):
		in.buf = append(in.buf, unicode.ToLower(r))
		in.state = Accumulating
	}
	return Action{}, false, nil
}

func (in *Interpreter) reset() {
	in.buf = in.buf[:0]
	in.state = Idle
}

// Parse decodes "<servo> <position>".
func (in *Interpreter) Parse(line string) (Action, error) {
	if strings.TrimSpace(line) == "" {
		return Action{}, &ParseError{Reason: ReasonBlank, Input: line}
	}
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) != 2 {
		return Action{}, &ParseError{Reason: ReasonTokenCount, Input: line}
	}
	servo, ok := in.cfg.Servo(fields[0])
	if !ok {
		return Action{}, &ParseError{Reason: ReasonUnknownServo, Input: line, hint: in.servoHint()}
	}
	pos, ok := servo.Command(fields[1])
	if !ok {
		return Action{}, &ParseError{Reason: ReasonUnknownPosition, Input: line, hint: positionHint(servo)}
	}

	status := pos.Status
	if status == "" {
		status = fmt.Sprintf("Servo %s set to %s", servo.ID, pos.Name)
	}
	return Action{
		Request: pwm.Request{
			Line:              servo.Line,
			PulseWidth:        pos.Pulse,
			Duration:          in.cfg.BurstDuration(pos),
			ReturnToNeutral:   pos.ReturnToNeutral,
			NeutralPulseWidth: servo.NeutralPulse(),
		},
		Status: status,
	}, nil
}

func (in *Interpreter) servoHint() string {
	parts := make([]string, 0, len(in.cfg.Servos))
	for _, s := range in.cfg.Servos {
		parts = append(parts, fmt.Sprintf("'%s' for %s", s.ID, s.Role))
	}
	return "Use " + joinOr(parts)
}

func positionHint(s config.Servo) string {
	names := s.PositionNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return "Use " + joinOr(quoted)
}

func joinOr(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " or " + parts[1]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + ", or " + parts[len(parts)-1]
}

// IsQuit reports whether r is the reserved quit command.
func IsQuit(r rune) bool {
	return r == 'q' || r == 'Q' || r == 0x03
}
