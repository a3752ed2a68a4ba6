// Package config holds the tracecap run configuration. A Config is built
// once at startup from defaults, an optional YAML file, the environment and
// flags, then passed by value to the components.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/tracecap/internal/acquire"
	"github.com/rjboer/tracecap/internal/scpi"
	"github.com/rjboer/tracecap/internal/stimulus"
	"github.com/rjboer/tracecap/internal/storage"
	"github.com/rjboer/tracecap/internal/waveform"
)

type Config struct {
	Instrument Instrument `yaml:"instrument"`
	Serial     Serial     `yaml:"serial"`
	Storage    Storage    `yaml:"storage"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Log        Log        `yaml:"log"`
}

type Instrument struct {
	Address         string        `yaml:"address"` // IPv4 literal or "auto"
	Port            int           `yaml:"port"`
	DiscoverWait    time.Duration `yaml:"discover_wait"` // mDNS browse time for "auto"
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	GateTimeout     time.Duration `yaml:"gate_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	GateAttempts    uint64        `yaml:"gate_attempts"`
	GateInterval    time.Duration `yaml:"gate_interval"`
	TriggerAttempts uint64        `yaml:"trigger_attempts"`
	TriggerInterval time.Duration `yaml:"trigger_interval"`
	TriggerTimeout  time.Duration `yaml:"trigger_timeout"`
	VendorMarker    string        `yaml:"vendor_marker"`
	ModelMarker     string        `yaml:"model_marker"`
	Channels        []string      `yaml:"channels"`
	ChunkSize       int           `yaml:"chunk_size"`
	Strict          bool          `yaml:"strict"`
}

type Serial struct {
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	Payloads string `yaml:"payloads"` // optional payload file, one per line
}

type Storage struct {
	Dir   string `yaml:"dir"`
	Redis Redis  `yaml:"redis"`
}

type Redis struct {
	Addr           string `yaml:"addr"` // empty disables the redis store
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	Channel        string `yaml:"channel"`
	ListKey        string `yaml:"list_key"`
	ListCap        int64  `yaml:"list_cap"`
	IncludeSamples bool   `yaml:"include_samples"`
}

type Telemetry struct {
	WebAddr      string `yaml:"web_addr"` // empty disables the web server
	HistoryLimit int    `yaml:"history_limit"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default is a DS1000Z on port 5555 driving /dev/ttyACM0 at 9600 baud.
func Default() Config {
	link := scpi.DefaultConfig()
	redis := storage.DefaultRedisConfig()
	return Config{
		Instrument: Instrument{
			Port:            scpi.DefaultPort,
			DiscoverWait:    3 * time.Second,
			DialTimeout:     link.DialTimeout,
			GateTimeout:     link.GateTimeout,
			ResponseTimeout: link.ResponseTimeout,
			VendorMarker:    acquire.DefaultVendorMarker,
			ModelMarker:     acquire.DefaultModelMarker,
			Channels:        append([]string(nil), acquire.DefaultChannels...),
			ChunkSize:       waveform.DefaultChunkSize,
		},
		Serial: Serial{
			Device: stimulus.DefaultDevice,
			Baud:   stimulus.DefaultBaud,
		},
		Storage: Storage{
			Dir: storage.DefaultDir,
			Redis: Redis{
				Channel: redis.Channel,
				ListKey: redis.ListKey,
				ListCap: redis.ListCap,
			},
		},
		Telemetry: Telemetry{
			HistoryLimit: 500,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Instrument.Address == "" {
		errs = append(errs, errors.New("instrument address is required"))
	}
	if c.Instrument.Port <= 0 || c.Instrument.Port > 65535 {
		errs = append(errs, fmt.Errorf("instrument port %d out of range", c.Instrument.Port))
	}
	if c.Instrument.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Instrument.ChunkSize))
	}
	if c.Instrument.VendorMarker == "" || c.Instrument.ModelMarker == "" {
		errs = append(errs, errors.New("identity vendor and model markers are required"))
	}
	if len(c.Instrument.Channels) == 0 {
		errs = append(errs, errors.New("at least one candidate channel is required"))
	}
	if c.Instrument.GateTimeout <= 0 || c.Instrument.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("gate and response timeouts must be positive"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("baud rate must be positive, got %d", c.Serial.Baud))
	}
	if c.Serial.Device == "" {
		errs = append(errs, errors.New("serial device is required"))
	}
	return errors.Join(errs...)
}

// InstrumentAddr joins address and port for dialing.
func (c Config) InstrumentAddr() string {
	return net.JoinHostPort(c.Instrument.Address, strconv.Itoa(c.Instrument.Port))
}

func (c Config) Link() scpi.Config {
	link := scpi.DefaultConfig()
	link.DialTimeout = c.Instrument.DialTimeout
	link.GateTimeout = c.Instrument.GateTimeout
	link.ResponseTimeout = c.Instrument.ResponseTimeout
	link.Gate = scpi.RetryPolicy{
		MaxAttempts: c.Instrument.GateAttempts,
		Interval:    c.Instrument.GateInterval,
	}
	return link
}

func (c Config) Reader() waveform.Config {
	return waveform.Config{ChunkSize: c.Instrument.ChunkSize, Strict: c.Instrument.Strict}
}

func (c Config) Discovery() acquire.DiscoveryConfig {
	return acquire.DiscoveryConfig{
		VendorMarker: c.Instrument.VendorMarker,
		ModelMarker:  c.Instrument.ModelMarker,
		Candidates:   append([]string(nil), c.Instrument.Channels...),
	}
}

func (c Config) Sequencer() acquire.Config {
	return acquire.Config{Trigger: scpi.RetryPolicy{
		MaxAttempts: c.Instrument.TriggerAttempts,
		Interval:    c.Instrument.TriggerInterval,
		Timeout:     c.Instrument.TriggerTimeout,
	}}
}

func (c Config) Redis() storage.RedisConfig {
	r := c.Storage.Redis
	return storage.RedisConfig{
		Addr:           r.Addr,
		Password:       r.Password,
		DB:             r.DB,
		Channel:        r.Channel,
		ListKey:        r.ListKey,
		ListCap:        r.ListCap,
		IncludeSamples: r.IncludeSamples,
	}
}
