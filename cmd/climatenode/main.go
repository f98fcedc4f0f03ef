// Climatenode is a temperature and humidity sensor node.
//
// It waits for its Wi-Fi link, samples a DHT11/DHT22 on a fixed cadence,
// publishes each valid reading as JSON to an MQTT broker, and serves a
// small HTTP surface for liveness, health, metrics, live event feeds,
// and firmware uploads. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	climatenode serve              Run the node
//	climatenode read               Take one reading and print the payload
//	climatenode stage <image>      Stage a local firmware image
//	climatenode init [dir]         Write an example config.yaml
//	climatenode version            Print version and build information
//	climatenode -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/climate-node/internal/buildinfo"
	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/connwatch"
	"github.com/nugget/climate-node/internal/events"
	"github.com/nugget/climate-node/internal/history"
	"github.com/nugget/climate-node/internal/metrics"
	"github.com/nugget/climate-node/internal/mqtt"
	"github.com/nugget/climate-node/internal/netlink"
	"github.com/nugget/climate-node/internal/ota"
	"github.com/nugget/climate-node/internal/retry"
	"github.com/nugget/climate-node/internal/sampler"
	"github.com/nugget/climate-node/internal/sensor"
	"github.com/nugget/climate-node/internal/status"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand to keep
// flag's package-level state out of tests. It returns nil on clean
// shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "read":
		return runRead(ctx, stdout, configPath, outputFmt)
	case "stage":
		return runStage(stdout, configPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "climatenode - temperature and humidity sensor node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: climatenode [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the node")
	fmt.Fprintln(w, "  read         Take one reading and print the payload")
	fmt.Fprintln(w, "  stage <image> [sha256]")
	fmt.Fprintln(w, "               Stage a local firmware image")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runRead takes a single reading through the configured driver and
// prints the payload that would be published.
func runRead(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, slog.LevelInfo, "text")

	reader := sensor.NewReader(newDriver(cfg.Sensor, logger), cfg.Sensor.MinInterval, logger)
	reading := reader.Read(ctx)
	if !reading.Valid {
		return errors.New("sensor read failed")
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reading)
	}
	payload, err := sampler.FormatPayload(reading)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s\n", cfg.MQTT.Topic, payload)
	return nil
}

// runServe is the primary operating mode. Startup order:
//  1. load config, open operational state
//  2. wait for the Wi-Fi link (no timeout; a signal ends the wait)
//  3. start the status server, broker client, sample loop and link
//     watchers as one errgroup
//
// SIGINT or SIGTERM cancels the group. The broker client publishes
// "offline" on its way out and the HTTP server drains.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting climate-node", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		// Validated by config.Load.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.MQTT.Protocol,
		"topic", cfg.MQTT.Topic,
		"sensor", cfg.Sensor.Driver,
		"port", cfg.Listen.Port,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openState(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	bus := events.New()
	m.TrackEventSubscribers(bus.SubscriberCount)

	// --- Wi-Fi ---
	station := netlink.NewStation(cfg.Network.Interface, cfg.Network.PollInterval, logger)
	if cfg.Network.SkipWait {
		logger.Info("skipping wifi wait", "interface", station.Interface())
	} else {
		if err := station.Connect(ctx, cfg.Network.SSID, cfg.Network.Password); err != nil {
			if ctx.Err() != nil {
				logger.Info("shutdown during wifi wait")
				return nil
			}
			return fmt.Errorf("wifi: %w", err)
		}
		m.SetWiFiConnected(true)
	}

	// --- MQTT ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	client := mqtt.New(cfg.MQTT, instanceID, retry.Forever(cfg.MQTT.ReconnectBackoff), nil, logger)
	client.SetHooks(mqtt.Hooks{
		OnState: func(s mqtt.State) {
			m.SetMQTTConnected(s == mqtt.Connected)
			emitBrokerState(bus, s)
		},
		OnAttempt: func(_ string, err error) { m.ConnectAttempt(err) },
	})

	// --- Sample loop and its observers ---
	hub := status.NewHub(bus, logger)
	observers := []sampler.Observer{m, readingEvents{bus: bus}, &lastReadingRecorder{store: store, logger: logger}}

	var sink *history.Sink
	if cfg.Influx.Configured() {
		sink = history.New(cfg.Influx, cfg.MQTT.DeviceName, history.Hooks{
			OnWrite:   m.HistoryWrite,
			OnBreaker: func(state int) { m.SetBreakerState("influx", state) },
		}, logger)
		defer sink.Close()
		observers = append(observers, sink)
		logger.Info("reading history enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	reader := sensor.NewReader(newDriver(cfg.Sensor, logger), cfg.Sensor.MinInterval, logger)
	loop := sampler.New(sampler.Config{
		Topic:              cfg.MQTT.Topic,
		CycleDelay:         cfg.Sampling.CycleDelay,
		MinPublishInterval: cfg.Sampling.MinPublishInterval,
	}, reader, client, logger, observers...)
	restoreLastReading(store, loop, logger)

	// --- Link health ---
	links := connwatch.NewManager(logger)
	defer links.Stop()
	if !cfg.Network.SkipWait {
		links.Watch(ctx, connwatch.Config{
			Name:  "network",
			Probe: station.Probe,
			OnChange: func(up bool, err error) {
				m.SetWiFiConnected(up)
				emitLinkChange(bus, "network", up, err)
			},
		})
	}
	links.Watch(ctx, connwatch.Config{
		Name:     "mqtt",
		Probe:    client.Probe,
		OnChange: func(up bool, err error) { emitLinkChange(bus, "mqtt", up, err) },
	})

	// --- Firmware update ---
	var update *ota.Service
	if cfg.Update.Enabled {
		update = ota.New(cfg.Update, cfg.DataDir, store, logger)
		update.OnUpload = func(result string) {
			m.FirmwareUpload(result)
			emitUpload(bus, result)
		}
		logger.Info("firmware update endpoint enabled", "dir", update.Dir(), "auth", cfg.Update.AuthEnabled())
	}

	deps := status.Deps{
		Links:     links,
		Sampler:   loop,
		State:     store,
		Metrics:   m,
		Hub:       hub,
		Update:    update,
		Advertise: advertiseFunc(station),
	}
	if sink != nil {
		deps.History = sink
	}
	server := status.New(cfg.Listen, deps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("climate-node stopped")
	return nil
}

// newDriver builds the configured sensor driver.
func newDriver(cfg config.SensorConfig, logger *slog.Logger) sensor.Driver {
	if cfg.Driver == "sim" {
		return sensor.NewSimDriver(uint64(time.Now().UnixNano()), cfg.SimFailureRate)
	}
	return sensor.NewIIODriver(cfg.Device, logger)
}

// advertiseFunc returns the station's current address for the status
// QR code.
func advertiseFunc(station *netlink.Station) func() string {
	return func() string {
		if ip := station.LocalAddress(); ip != nil {
			return ip.String()
		}
		return ""
	}
}

// newLogger creates a structured logger writing to w at the given level
// and format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
