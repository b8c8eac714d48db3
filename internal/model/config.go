package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"

	DefaultEngine      = "blender"
	DefaultGracePeriod = 5 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Version   int       `yaml:"version" validate:"eq=0"` // fixed 0 for now
	Engine    Engine    `yaml:"engine"`
	Scheduler Scheduler `yaml:"scheduler"`
	Log       Log       `yaml:"log"`
	Notify    Notify    `yaml:"notify"`
	Jobs      []JobSpec `yaml:"jobs,omitempty" validate:"dive"`
}

// Engine describes the external rendering engine.
type Engine struct {
	Path        string        `yaml:"path" validate:"required"`
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"` // SIGINT -> SIGKILL
}

// Scheduler holds the queue settings.
type Scheduler struct {
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=1"`
	// ClearCancelled makes clearTerminal remove cancelled jobs too. Off by
	// default so cancelled jobs stay around for review.
	ClearCancelled bool `yaml:"clear_cancelled"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Notify configures the observers of job events.
type Notify struct {
	Listen           string        `yaml:"listen,omitempty" validate:"omitempty,hostname_port"`
	Buffer           int           `yaml:"buffer" validate:"gte=0"`
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Engine: Engine{
			Path:        DefaultEngine,
			GracePeriod: DefaultGracePeriod,
		},
		Scheduler: Scheduler{
			MaxConcurrent: 1,
		},
		Log: Log{
			Level:  "info",
			Format: LogFormatJSON,
		},
		Notify: Notify{
			Buffer:           64,
			ProgressInterval: 250 * time.Millisecond,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	for idx, j := range c.Jobs {
		if err := ValidateSpec(j); err != nil {
			return fmt.Errorf("jobs[%d]: %w", idx, err)
		}
	}
	return nil
}

// ValidateSpec checks a job submission.
func ValidateSpec(spec JobSpec) error {
	if err := validate.Struct(spec); err != nil {
		return err
	}
	if fr := spec.FrameRange; fr != nil && fr.Start < 0 {
		return fmt.Errorf("frames.start must not be negative: %d", fr.Start)
	}
	return nil
}

// ValidationErrors flattens err into human readable lines, one per field.
func ValidationErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}
	ret := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ret = append(ret, fmt.Sprintf("%s: failed on %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return ret
}
