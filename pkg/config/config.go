// Package config holds the static servo configuration: which lines drive
// which servo and the named pulse widths of each servo. It is read once at
// start-up and never changes afterwards.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev/device/rpi"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/Seann-Moser/rccar/pkg/pwm"
)

// Role is what a servo does on the car.
type Role string

const (
	RoleSteering Role = "steering"
	RoleSpeed    Role = "speed"
)

const (
	// DefaultOneShotDuration is how long a position without its own duration
	// is held.
	DefaultOneShotDuration = 300 * time.Millisecond
	// DefaultDiscreteDuration is the burst length of arrow-key moves.
	DefaultDiscreteDuration = 500 * time.Millisecond
)

// Position is a named pulse width of one servo.
type Position struct {
	Name  string        `yaml:"name"`
	Pulse time.Duration `yaml:"pulse"`
	// Duration overrides the one-shot duration.
	Duration        *time.Duration `yaml:"duration,omitempty"`
	ReturnToNeutral bool           `yaml:"return_to_neutral,omitempty"`
	Status          string         `yaml:"status,omitempty"`
	// KeysOnly positions are reachable from key bindings but not typed commands.
	KeysOnly bool `yaml:"keys_only,omitempty"`
}

type Servo struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Role      Role       `yaml:"role"`
	Line      int        `yaml:"line"`
	Neutral   string     `yaml:"neutral"`
	Positions []Position `yaml:"positions"`
}

// Position looks up a preset by name.
func (s Servo) Position(name string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Name == name {
			return p, true
		}
	}
	return Position{}, false
}

// Command looks up a preset a typed command may select.
func (s Servo) Command(name string) (Position, bool) {
	p, ok := s.Position(name)
	if !ok || p.KeysOnly {
		return Position{}, false
	}
	return p, true
}

// PositionNames lists the typeable preset names in configuration order.
func (s Servo) PositionNames() []string {
	names := make([]string, 0, len(s.Positions))
	for _, p := range s.Positions {
		if !p.KeysOnly {
			names = append(names, p.Name)
		}
	}
	return names
}

// NeutralPulse is the pulse width a return-to-neutral phase uses.
func (s Servo) NeutralPulse() time.Duration {
	p, _ := s.Position(s.Neutral)
	return p.Pulse
}

type Config struct {
	Chip             string        `yaml:"chip"`
	Frequency        Frequency     `yaml:"frequency"`
	OneShotDuration  time.Duration `yaml:"one_shot_duration"`
	DiscreteDuration time.Duration `yaml:"discrete_duration"`
	Servos           []Servo       `yaml:"servos"`
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

// Default is the stock car wiring: steering on GPIO18, the speed
// controller on GPIO23.
func Default() Config {
	return Config{
		Chip:             "gpiochip0",
		Frequency:        Frequency(pwm.DefaultFrequency),
		OneShotDuration:  DefaultOneShotDuration,
		DiscreteDuration: DefaultDiscreteDuration,
		Servos: []Servo{
			{
				ID:      "1",
				Name:    "steering",
				Role:    RoleSteering,
				Line:    rpi.GPIO18,
				Neutral: "center",
				Positions: []Position{
					{Name: "left", Pulse: 900 * time.Microsecond, Status: "Servo 1 set to partly left"},
					{Name: "center", Pulse: 1350 * time.Microsecond, Status: "Servo 1 set to central"},
					{Name: "right", Pulse: 1800 * time.Microsecond, Status: "Servo 1 set to partly right"},
				},
			},
			{
				ID:      "2",
				Name:    "speed",
				Role:    RoleSpeed,
				Line:    rpi.GPIO23,
				Neutral: "central",
				Positions: []Position{
					{Name: "central", Pulse: 1300 * time.Microsecond, Status: "Servo 2 set to central (stop)"},
					{
						Name: "partial", Pulse: 1700 * time.Microsecond,
						Duration: durationPtr(DefaultDiscreteDuration), ReturnToNeutral: true,
						Status: "Servo 2 set to partial speed (forward)",
					},
					{
						Name: "max", Pulse: 2 * time.Millisecond,
						Duration: durationPtr(DefaultDiscreteDuration), ReturnToNeutral: true,
						Status: "Servo 2 set to maximum speed (forward)",
					},
					{
						Name:            "reverse",
						Pulse:           900 * time.Microsecond,
						Duration:        durationPtr(DefaultDiscreteDuration),
						ReturnToNeutral: true,
						Status:          "Servo 2 set to partial speed (reverse)",
						KeysOnly:        true,
					},
				},
			},
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "failed reading config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed parsing config file %s", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Period is the length of one PWM cycle.
func (c Config) Period() time.Duration {
	return c.Frequency.Physic().Period()
}

// Servo looks up a servo by its command id.
func (c Config) Servo(id string) (Servo, bool) {
	for _, s := range c.Servos {
		if s.ID == id {
			return s, true
		}
	}
	return Servo{}, false
}

// ServoByRole returns the servo with the given role.
func (c Config) ServoByRole(role Role) (Servo, bool) {
	for _, s := range c.Servos {
		if s.Role == role {
			return s, true
		}
	}
	return Servo{}, false
}

// BurstDuration is how long p is held.
func (c Config) BurstDuration(p Position) time.Duration {
	if p.Duration != nil {
		return *p.Duration
	}
	return c.OneShotDuration
}

// Validate rejects configurations the burst engine could not run. Pulse widths
// outside (0, period) fail with *pwm.InvalidPulseConfiguration.
func (c Config) Validate() error {
	if c.Chip == "" {
		return errors.New("chip is required")
	}
	if c.Frequency <= 0 {
		return errors.New("frequency must be positive")
	}
	if c.OneShotDuration <= 0 {
		return errors.New("one_shot_duration must be positive")
	}
	if c.DiscreteDuration <= 0 {
		return errors.New("discrete_duration must be positive")
	}
	period := c.Period()

	ids := map[string]bool{}
	lines := map[int]bool{}
	roles := map[Role]bool{}
	for _, s := range c.Servos {
		if s.ID == "" {
			return errors.Errorf("servo %q has no id", s.Name)
		}
		if ids[s.ID] {
			return errors.Errorf("duplicate servo id %q", s.ID)
		}
		ids[s.ID] = true
		if lines[s.Line] {
			return errors.Errorf("servo %s: line %d used twice", s.ID, s.Line)
		}
		lines[s.Line] = true
		if s.Role != RoleSteering && s.Role != RoleSpeed {
			return errors.Errorf("servo %s: unknown role %q", s.ID, s.Role)
		}
		if roles[s.Role] {
			return errors.Errorf("servo %s: duplicate role %q", s.ID, s.Role)
		}
		roles[s.Role] = true
		if len(s.Positions) == 0 {
			return errors.Errorf("servo %s has no positions", s.ID)
		}
		seen := map[string]bool{}
		for _, p := range s.Positions {
			if seen[p.Name] {
				return errors.Errorf("servo %s: duplicate position %q", s.ID, p.Name)
			}
			seen[p.Name] = true
			if p.Pulse <= 0 || p.Pulse >= period {
				return errors.Wrapf(&pwm.InvalidPulseConfiguration{PulseWidth: p.Pulse, Period: period},
					"servo %s position %s", s.ID, p.Name)
			}
			if p.Duration != nil && *p.Duration < 0 {
				return errors.Errorf("servo %s position %s: negative duration", s.ID, p.Name)
			}
		}
		if !seen[s.Neutral] {
			return errors.Errorf("servo %s: neutral position %q is not defined", s.ID, s.Neutral)
		}
	}
	for _, r := range []Role{RoleSteering, RoleSpeed} {
		if !roles[r] {
			return errors.Errorf("no %s servo configured", r)
		}
	}
	return nil
}

// Frequency is a physic.Frequency written as text, e.g. "50Hz".
type Frequency physic.Frequency

// Physic returns f as a physic.Frequency.
func (f Frequency) Physic() physic.Frequency {
	return physic.Frequency(f)
}

func (f Frequency) String() string {
	return f.Physic().String()
}

func (f *Frequency) UnmarshalYAML(value *yaml.Node) error {
	var p physic.Frequency
	if err := p.Set(value.Value); err != nil {
		return errors.Wrapf(err, "frequency %q", value.Value)
	}
	*f = Frequency(p)
	return nil
}

func (f Frequency) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}
