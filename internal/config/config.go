// Package config assembles the relay configuration from command-line
// flags, NALRELAY_* environment variables and an optional YAML file, in
// that order of precedence over the built-in defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/nalrelay/internal/annexb"
	"github.com/zsiec/nalrelay/internal/distribution"
	"github.com/zsiec/nalrelay/internal/ingest"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("config: invalid configuration")

// Defaults.
const (
	DefaultPort         = 5500
	DefaultMaxClients   = 10
	DefaultWriteTimeout = 5 * time.Second
)

// Config is the complete relay configuration.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxClients int    `yaml:"max_clients"`
	Input      string `yaml:"input"`

	QUICAddr string `yaml:"quic_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`

	APIAddr  string `yaml:"api_addr"`
	APIHTTP3 bool   `yaml:"api_http3"`

	Delivery     string        `yaml:"delivery"`
	QueueDepth   int           `yaml:"queue_depth"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Roles        string        `yaml:"roles"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:         DefaultPort,
		MaxClients:   DefaultMaxClients,
		Input:        "-",
		Delivery:     string(distribution.DeliveryQueued),
		QueueDepth:   distribution.DefaultQueueDepth,
		WriteTimeout: DefaultWriteTimeout,
		Roles:        annexb.DefaultRoleTableSpec,
		LogLevel:     "info",
	}
}

// setting binds one option to its flag, environment variable and setter.
type setting struct {
	flag    string
	env     string
	usage   string
	set     func(c *Config, v string) error
	boolean bool
}

var settings = []setting{
	{"host", "NALRELAY_HOST", "consumer listen host (empty for all interfaces)", func(c *Config, v string) error { c.Host = v; return nil }, false},
	{"p", "NALRELAY_PORT", "consumer TCP listen port", intSetter(func(c *Config) *int { return &c.Port }), false},
	{"m", "NALRELAY_MAX_CLIENTS", "maximum concurrent consumers", intSetter(func(c *Config) *int { return &c.MaxClients }), false},
	{"i", "NALRELAY_INPUT", "ingest source: - (stdin), file path, srt://:port or srt://host:port", func(c *Config, v string) error { c.Input = v; return nil }, false},
	{"quic", "NALRELAY_QUIC_ADDR", "QUIC consumer listen address (empty disables)", func(c *Config, v string) error { c.QUICAddr = v; return nil }, false},
	{"tls-cert", "NALRELAY_TLS_CERT", "PEM certificate for QUIC (self-signed if empty)", func(c *Config, v string) error { c.TLSCert = v; return nil }, false},
	{"tls-key", "NALRELAY_TLS_KEY", "PEM private key for QUIC", func(c *Config, v string) error { c.TLSKey = v; return nil }, false},
	{"api", "NALRELAY_API_ADDR", "status API listen address (empty disables)", func(c *Config, v string) error { c.APIAddr = v; return nil }, false},
	{"api-http3", "NALRELAY_API_HTTP3", "also serve the status API over HTTP/3", boolSetter(func(c *Config) *bool { return &c.APIHTTP3 }), true},
	{"delivery", "NALRELAY_DELIVERY", "delivery mode: queued or blocking", func(c *Config, v string) error { c.Delivery = v; return nil }, false},
	{"queue", "NALRELAY_QUEUE", "per-consumer queue depth in queued mode", intSetter(func(c *Config) *int { return &c.QueueDepth }), false},
	{"write-timeout", "NALRELAY_WRITE_TIMEOUT", "per-consumer write timeout", durationSetter(func(c *Config) *time.Duration { return &c.WriteTimeout }), false},
	{"roles", "NALRELAY_ROLES", "unit code to role table", func(c *Config, v string) error { c.Roles = v; return nil }, false},
	{"log-level", "NALRELAY_LOG_LEVEL", "log level: debug, info, warn or error", func(c *Config, v string) error { c.LogLevel = v; return nil }, false},
}

// flagValue records a flag as given so it can be applied after the
// environment and the file.
type flagValue struct {
	v       string
	boolean bool
}

func (f *flagValue) String() string     { return f.v }
func (f *flagValue) Set(s string) error { f.v = s; return nil }
func (f *flagValue) IsBoolFlag() bool   { return f.boolean }

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// Load parses args (without the program name), consults getenv and the
// YAML file named by -config or NALRELAY_CONFIG, and validates the result.
// Usage goes to usage; flag.ErrHelp is returned for -h.
func Load(args []string, getenv func(string) string, usage io.Writer) (Config, error) {
	fs := flag.NewFlagSet("nalrelay", flag.ContinueOnError)
	fs.SetOutput(usage)

	flagValues := make(map[string]*flagValue, len(settings))
	for _, s := range settings {
		v := &flagValue{boolean: s.boolean}
		fs.Var(v, s.flag, s.usage+" (env "+s.env+")")
		flagValues[s.flag] = v
	}
	configPath := fs.String("config", "", "YAML configuration file (env NALRELAY_CONFIG)")
	debug := fs.Bool("debug", false, "shorthand for -log-level debug")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return Config{}, fmt.Errorf("%w: unexpected argument %q", ErrInvalid, fs.Arg(0))
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = getenv("NALRELAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	for _, s := range settings {
		if v := getenv(s.env); v != "" {
			if err := s.set(&cfg, v); err != nil {
				return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, s.env, v, err)
			}
		}
	}
	if getenv("DEBUG") != "" {
		cfg.LogLevel = "debug"
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		if flagErr != nil {
			return
		}
		for _, s := range settings {
			if s.flag == f.Name {
				v := flagValues[s.flag].v
				if err := s.set(&cfg, v); err != nil {
					flagErr = fmt.Errorf("%w: -%s=%q: %v", ErrInvalid, s.flag, v, err)
				}
				return
			}
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %v", ErrInvalid, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse config file %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// Validate checks every setting.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("%w: max clients must be greater than zero, got %d", ErrInvalid, c.MaxClients)
	}
	if _, err := ingest.ParseSource(c.Input); err != nil {
		return fmt.Errorf("%w: input: %v", ErrInvalid, err)
	}
	if _, err := distribution.ParseDeliveryMode(c.Delivery); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be greater than zero, got %d", ErrInvalid, c.QueueDepth)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative write timeout %s", ErrInvalid, c.WriteTimeout)
	}
	if _, err := annexb.ParseRoleTable(c.Roles); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalid)
	}
	if c.APIHTTP3 && c.APIAddr == "" {
		return fmt.Errorf("%w: api_http3 needs api_addr", ErrInvalid)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// ListenAddr is the consumer TCP listen address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Source returns the parsed ingest source.
func (c Config) Source() ingest.Source {
	src, _ := ingest.ParseSource(c.Input)
	return src
}

// RoleTable returns the parsed role table.
func (c Config) RoleTable() annexb.RoleTable {
	t, _ := annexb.ParseRoleTable(c.Roles)
	return t
}

// Dispatch returns the dispatcher settings.
func (c Config) Dispatch() distribution.Config {
	return distribution.Config{
		MaxConsumers: c.MaxClients,
		Mode:         distribution.DeliveryMode(c.Delivery),
		QueueDepth:   c.QueueDepth,
		WriteTimeout: c.WriteTimeout,
	}
}

// Level returns the configured slog level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}
