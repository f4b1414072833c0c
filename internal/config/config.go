// Package config loads the terminal configuration: built-in defaults, then an
// optional YAML file, then ETM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seagrayinc/etm/internal/session"
	"github.com/seagrayinc/etm/internal/txn"
	"github.com/seagrayinc/etm/pkg/etm"
	"github.com/seagrayinc/etm/pkg/etmwire"
	"github.com/seagrayinc/etm/pkg/serial"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Serial     Serial     `yaml:"serial"`
	Peripheral Peripheral `yaml:"peripheral"`
	Protocol   Protocol   `yaml:"protocol"`
	Ledger     Ledger     `yaml:"ledger"`
	ExportDir  string     `yaml:"export_dir"`
	Metrics    Metrics    `yaml:"metrics"`
	Log        Log        `yaml:"log"`
}

type Serial struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Peripheral holds the values sent in the handshake. Keys are forwarded to
// the device verbatim.
type Peripheral struct {
	KeyA        string        `yaml:"key_a"`
	KeyB        string        `yaml:"key_b"`
	MasterKey   string        `yaml:"master_key"`
	Magic       string        `yaml:"magic"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

type Protocol struct {
	DeductDelay   time.Duration `yaml:"deduct_delay"`
	AuthTimeout   time.Duration `yaml:"auth_timeout"`
	DeductTimeout time.Duration `yaml:"deduct_timeout"`
	MaxLineBytes  int           `yaml:"max_line_bytes"`
	SendBuffer    int           `yaml:"send_buffer"`
}

type Ledger struct {
	// Backend is "file" (JSON document) or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type Metrics struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it. The
// peripheral keys have no default.
func Default() Config {
	return Config{
		Serial: Serial{
			Baud:        serial.DefaultBaudRate,
			ReadTimeout: serial.DefaultReadTimeout,
		},
		Peripheral: Peripheral{
			Magic:       session.DefaultMagic,
			SettleDelay: session.DefaultSettleDelay,
		},
		Protocol: Protocol{
			DeductDelay:  txn.DefaultDeductDelay,
			MaxLineBytes: etmwire.DefaultMaxLineBytes,
			SendBuffer:   32,
		},
		Ledger: Ledger{
			Backend: BackendFile,
			Path:    "etm_ledger.json",
		},
		ExportDir: ".",
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// ETM_CONFIG environment variable is used, and when that is empty too only
// defaults and environment apply. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ETM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"ETM_PORT", &c.Serial.Port},
		{"ETM_KEY_A", &c.Peripheral.KeyA},
		{"ETM_KEY_B", &c.Peripheral.KeyB},
		{"ETM_MASTER_KEY", &c.Peripheral.MasterKey},
		{"ETM_MAGIC", &c.Peripheral.Magic},
		{"ETM_LEDGER_BACKEND", &c.Ledger.Backend},
		{"ETM_LEDGER_PATH", &c.Ledger.Path},
		{"ETM_EXPORT_DIR", &c.ExportDir},
		{"ETM_METRICS_LISTEN", &c.Metrics.Listen},
		{"ETM_LOG_LEVEL", &c.Log.Level},
		{"ETM_LOG_FORMAT", &c.Log.Format},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("ETM_BAUD"); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ETM_BAUD: %w", err)
		}
		c.Serial.Baud = baud
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ETM_DEDUCT_DELAY", &c.Protocol.DeductDelay},
		{"ETM_AUTH_TIMEOUT", &c.Protocol.AuthTimeout},
		{"ETM_DEDUCT_TIMEOUT", &c.Protocol.DeductTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	keys := []struct{ name, value string }{
		{"peripheral.key_a", c.Peripheral.KeyA},
		{"peripheral.key_b", c.Peripheral.KeyB},
		{"peripheral.master_key", c.Peripheral.MasterKey},
		{"peripheral.magic", c.Peripheral.Magic},
	}
	for _, k := range keys {
		switch {
		case k.value == "":
			add("%s is required", k.name)
		case strings.ContainsAny(k.value, etm.ArgumentSeparator+"\r\n"):
			add("%s must not contain %q or line breaks", k.name, etm.ArgumentSeparator)
		}
	}

	if c.Serial.Baud <= 0 {
		add("serial.baud must be positive")
	}
	if c.Protocol.DeductDelay < 0 || c.Protocol.AuthTimeout < 0 || c.Protocol.DeductTimeout < 0 || c.Peripheral.SettleDelay < 0 {
		add("delays and timeouts must not be negative")
	}
	if c.Protocol.MaxLineBytes < 0 || c.Protocol.SendBuffer < 0 {
		add("protocol sizes must not be negative")
	}
	switch c.Ledger.Backend {
	case BackendFile, BackendSQLite:
	default:
		add("ledger.backend %q: want %s or %s", c.Ledger.Backend, BackendFile, BackendSQLite)
	}
	if c.Ledger.Path == "" {
		add("ledger.path is required")
	}

	return errors.Join(errs...)
}

func (c Config) PortConfig() serial.PortConfig {
	return serial.PortConfig{
		Name:        c.Serial.Port,
		BaudRate:    c.Serial.Baud,
		ReadTimeout: c.Serial.ReadTimeout,
	}
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		Keys: etm.Keys{
			KeyA:      c.Peripheral.KeyA,
			KeyB:      c.Peripheral.KeyB,
			MasterKey: c.Peripheral.MasterKey,
		},
		Magic:        c.Peripheral.Magic,
		SettleDelay:  c.Peripheral.SettleDelay,
		MaxLineBytes: c.Protocol.MaxLineBytes,
		SendBuffer:   c.Protocol.SendBuffer,
	}
}

func (c Config) MachineConfig() txn.Config {
	return txn.Config{
		DeductDelay:   c.Protocol.DeductDelay,
		AuthTimeout:   c.Protocol.AuthTimeout,
		DeductTimeout: c.Protocol.DeductTimeout,
	}
}
