package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rjboer/tracecap/internal/acquire"
	"github.com/rjboer/tracecap/internal/config"
	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/mdns"
	"github.com/rjboer/tracecap/internal/netcheck"
	"github.com/rjboer/tracecap/internal/scpi"
	"github.com/rjboer/tracecap/internal/stimulus"
	"github.com/rjboer/tracecap/internal/storage"
	"github.com/rjboer/tracecap/internal/telemetry"
	"github.com/rjboer/tracecap/internal/waveform"
)

const autoAddress = "auto"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, defaultDeps()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "tracecap: %v\n", err)
		os.Exit(1)
	}
}

type serialTarget interface {
	acquire.Target
	Close() error
}

// deps are the outside-world touch points, replaced in tests.
type deps struct {
	discover   func(ctx context.Context, services []string, wait time.Duration) ([]mdns.Host, error)
	check      func(ctx context.Context, addr string) error
	dial       func(ctx context.Context, addr string, cfg scpi.Config, log logging.Logger) (*scpi.Link, error)
	openSerial func(device string, baud int, log logging.Logger) (serialTarget, error)
	now        func() time.Time
}

func defaultDeps() deps {
	return deps{
		discover: mdns.DiscoverInstruments,
		check:    netcheck.Check,
		dial:     scpi.Dial,
		openSerial: func(device string, baud int, log logging.Logger) (serialTarget, error) {
			return stimulus.OpenSerial(device, baud, log)
		},
		now: time.Now,
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout io.Writer, d deps) error {
	cfg, err := parseConfig(args, lookup)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, stdout)
	logging.SetDefault(logger)

	if cfg.Instrument.Address == autoAddress {
		hosts, err := d.discover(ctx, mdns.DefaultServices, cfg.Instrument.DiscoverWait)
		if err != nil {
			return fmt.Errorf("discover instruments: %w", err)
		}
		host, err := mdns.SelectInstrument(hosts, cfg.Instrument.ModelMarker)
		if err != nil {
			return err
		}
		logger.Info("instrument discovered",
			logging.Field{Key: "instance", Value: host.Instance},
			logging.Field{Key: "addr", Value: host.IPv4()},
		)
		cfg.Instrument.Address = host.IPv4()
	}

	if err := d.check(ctx, cfg.Instrument.Address); err != nil {
		return err
	}

	link, err := d.dial(ctx, cfg.InstrumentAddr(), cfg.Link(), logger)
	if err != nil {
		return err
	}
	defer link.Close()

	target, err := d.openSerial(cfg.Serial.Device, cfg.Serial.Baud, logger)
	if err != nil {
		return err
	}
	defer target.Close()

	disc, err := acquire.Discover(ctx, link, cfg.Discovery(), logger)
	if err != nil {
		return err
	}
	if len(disc.Channels) == 0 {
		logger.Warn("no channel is displayed; captures will hold no traces")
	}

	src, err := payloadSource(cfg.Serial.Payloads)
	if err != nil {
		return err
	}

	store, err := openStores(ctx, cfg, d.now(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close storage", logging.Field{Key: "error", Value: err})
		}
	}()

	reporters := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	if cfg.Telemetry.WebAddr != "" {
		hub := telemetry.NewHub(cfg.Telemetry.HistoryLimit, logger)
		reporters = append(reporters, hub)
		webCtx, cancelWeb := context.WithCancel(ctx)
		defer cancelWeb()
		go telemetry.NewWebServer(cfg.Telemetry.WebAddr, hub, logger).Start(webCtx)
	}

	reader := waveform.NewReader(link, cfg.Reader(), logger)
	seq := acquire.NewSequencer(link, reader, target, store, reporters, disc.Channels, cfg.Sequencer(), logger)

	logger.Info("starting acquisition (Ctrl+C to stop)", logging.Field{Key: "channels", Value: disc.Channels.String()})
	n, err := seq.Run(ctx, src)
	logger.Info("acquisition finished", logging.Field{Key: "captures", Value: n})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func payloadSource(path string) (acquire.Source, error) {
	if path == "" {
		return stimulus.NewStaticSource(stimulus.DefaultPayloads...), nil
	}
	return stimulus.LoadFile(path)
}

func openStores(ctx context.Context, cfg config.Config, started time.Time, logger logging.Logger) (storage.MultiStore, error) {
	file, err := storage.NewFileStore(cfg.Storage.Dir, started, logger)
	if err != nil {
		return nil, err
	}
	stores := storage.MultiStore{file}
	if cfg.Storage.Redis.Addr != "" {
		rs, err := storage.NewRedisStore(ctx, cfg.Redis(), logger)
		if err != nil {
			file.Close()
			return nil, err
		}
		stores = append(stores, rs)
	}
	return stores, nil
}

// parseConfig layers defaults, the YAML file, TRACECAP_* variables and flags,
// in increasing precedence.
func parseConfig(args []string, lookup func(string) (string, bool)) (config.Config, error) {
	path := configPath(args)
	if path == "" {
		path = envString(lookup, "TRACECAP_CONFIG", "")
	}
	base, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	cfg := base

	fs := flag.NewFlagSet("tracecap", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: tracecap [flags] <ip|auto>\n\nCollect oscilloscope traces while driving a target over serial.\n\n")
		fs.PrintDefaults()
	}
	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "YAML configuration file")

	dir := envString(lookup, "TRACECAP_SAVE_DIR", base.Storage.Dir)
	fs.StringVar(&cfg.Storage.Dir, "d", dir, "Path to save the traces")
	fs.StringVar(&cfg.Storage.Dir, "path", dir, "Path to save the traces")
	device := envString(lookup, "TRACECAP_SERIAL", base.Serial.Device)
	fs.StringVar(&cfg.Serial.Device, "p", device, "Serial device of the microcontroller")
	fs.StringVar(&cfg.Serial.Device, "port", device, "Serial device of the microcontroller")
	baud := envInt(lookup, "TRACECAP_BAUD", base.Serial.Baud)
	fs.IntVar(&cfg.Serial.Baud, "b", baud, "Baud rate of the microcontroller line")
	fs.IntVar(&cfg.Serial.Baud, "baud", baud, "Baud rate of the microcontroller line")

	fs.StringVar(&cfg.Serial.Payloads, "payloads", envString(lookup, "TRACECAP_PAYLOADS", base.Serial.Payloads), "File with one stimulus payload per line")
	fs.StringVar(&cfg.Storage.Redis.Addr, "redis", envString(lookup, "TRACECAP_REDIS", base.Storage.Redis.Addr), "Optional Redis address to publish captures to")
	fs.StringVar(&cfg.Telemetry.WebAddr, "web", envString(lookup, "TRACECAP_WEB", base.Telemetry.WebAddr), "Optional telemetry listen address (e.g. :8080)")
	fs.StringVar(&cfg.Log.Level, "log-level", envString(lookup, "TRACECAP_LOG_LEVEL", base.Log.Level), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.Log.Format, "log-format", envString(lookup, "TRACECAP_LOG_FORMAT", base.Log.Format), "Log format (text|json)")
	fs.Uint64Var(&cfg.Instrument.GateAttempts, "gate-attempts", envUint(lookup, "TRACECAP_GATE_ATTEMPTS", base.Instrument.GateAttempts), "Maximum *OPC? polls per command (0 = unbounded)")
	fs.DurationVar(&cfg.Instrument.TriggerTimeout, "trigger-timeout", envDuration(lookup, "TRACECAP_TRIGGER_TIMEOUT", base.Instrument.TriggerTimeout), "Maximum wait for a trigger (0 = unbounded)")
	fs.IntVar(&cfg.Instrument.ChunkSize, "chunk-size", envInt(lookup, "TRACECAP_CHUNK_SIZE", base.Instrument.ChunkSize), "Points per waveform data request")
	fs.BoolVar(&cfg.Instrument.Strict, "strict", envBool(lookup, "TRACECAP_STRICT", base.Instrument.Strict), "Fail on short waveform blocks")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	switch fs.NArg() {
	case 0:
		cfg.Instrument.Address = envString(lookup, "TRACECAP_ADDRESS", base.Instrument.Address)
	case 1:
		cfg.Instrument.Address = fs.Arg(0)
	default:
		return config.Config{}, fmt.Errorf("expected one instrument address, got %q", fs.Args())
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// configPath finds -config before the full flag set is built so the file can
// supply the defaults the other flags fall back to.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
