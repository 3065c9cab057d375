package nimble

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the file based configuration used by the bridge tools.
type Config struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`

	// LogFile sends logs to a size rotated file instead of stderr.
	LogFile LogFileConfig `json:"logFile" yaml:"logFile"`

	// Address is the public device address reported by the link layer, in
	// the usual "94:c2:a0:00:00:01" form. Empty keeps the default.
	Address string `json:"address" yaml:"address"`

	// TickRate is the number of port ticks per second.
	TickRate uint32 `json:"tickRate" yaml:"tickRate"`

	// ReservedCriticalSection enables the application critical section that
	// leaves RADIO, RNG and RTC0 running.
	ReservedCriticalSection bool `json:"reservedCriticalSection" yaml:"reservedCriticalSection"`

	FlushBudget int `json:"flushBudget" yaml:"flushBudget"`

	// CommandTimeout bounds a single command round trip. Zero waits forever.
	CommandTimeout Duration `json:"commandTimeout" yaml:"commandTimeout"`

	Transport TransportConfig `json:"transport" yaml:"transport"`
}

type LogFileConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
}

// TransportConfig selects the byte stream the H4 server runs on. Exactly one
// field should be set.
type TransportConfig struct {
	Uart     string `json:"uart" yaml:"uart"`
	BaudRate uint   `json:"baudRate" yaml:"baudRate"`
	TCP      string `json:"tcp" yaml:"tcp"`
	VHCI     bool   `json:"vhci" yaml:"vhci"`
}

// Duration decodes from a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := jsoniter.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		TickRate:    32768,
		FlushBudget: 8,
		LogFile: LogFileConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Transport: TransportConfig{
			BaudRate: 1000000,
		},
	}
}

// LoadConfig reads a config file on top of DefaultConfig. Files ending in
// .yaml or .yml are YAML, anything else is JSON.
func LoadConfig(filename string) (Config, error) {
	c := DefaultConfig()

	in, err := ioutil.ReadFile(filename)
	if err != nil {
		return c, errors.Wrap(err, "can't read config")
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(in, &c)
	default:
		err = jsoniter.Unmarshal(in, &c)
	}
	if err != nil {
		return c, errors.Wrap(err, "can't decode config")
	}

	return c, c.validate()
}

func (c Config) validate() error {
	if c.TickRate == 0 {
		return errors.New("tickRate must be non-zero")
	}
	if c.FlushBudget < 0 {
		return errors.New("flushBudget must not be negative")
	}
	if c.Address != "" {
		if _, err := ParseAddr(c.Address); err != nil {
			return err
		}
	}

	n := 0
	if c.Transport.Uart != "" {
		n++
	}
	if c.Transport.TCP != "" {
		n++
	}
	if c.Transport.VHCI {
		n++
	}
	if n > 1 {
		return errors.New("only one transport may be configured")
	}
	return nil
}

// Options returns the controller options described by the config.
func (c Config) Options() []Option {
	return []Option{
		OptFlushBudget(c.FlushBudget),
	}
}
