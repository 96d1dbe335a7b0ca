// Kaiser is the central greenhouse automation server.
//
// It bridges a fleet of ESP32 field devices (speaking MQTT) to a
// durable store, a cross-device rule engine, and browser dashboards
// (speaking WebSocket). Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	kaiser serve             Start the server
//	kaiser init [dir]        Write a default kaiser.yaml
//	kaiser version           Print version and build information
//	kaiser -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/verdantgrow/god-kaiser/internal/breaker"
	"github.com/verdantgrow/god-kaiser/internal/buildinfo"
	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/config"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/handlers"
	"github.com/verdantgrow/god-kaiser/internal/health"
	"github.com/verdantgrow/god-kaiser/internal/logic"
	"github.com/verdantgrow/god-kaiser/internal/metrics"
	"github.com/verdantgrow/god-kaiser/internal/mqtt"
	"github.com/verdantgrow/god-kaiser/internal/processors"
	"github.com/verdantgrow/god-kaiser/internal/scheduler"
	"github.com/verdantgrow/god-kaiser/internal/store"
	"github.com/verdantgrow/god-kaiser/internal/topics"
	"github.com/verdantgrow/god-kaiser/internal/web"
	"github.com/verdantgrow/god-kaiser/internal/ws"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the kaiser command. All OS-level
// dependencies are injected as parameters; run returns nil on clean
// shutdown and a non-nil error for any failure. Arguments are parsed
// by hand: the flag package relies on package-level globals, which
// makes it impossible to call run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
		return runServe(ctx, stdout, configPath)
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
	info := buildinfo.Info()
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
	fmt.Fprintln(w, "kaiser - greenhouse automation server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kaiser [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the server")
	fmt.Fprintln(w, "  init [dir]   Write a default kaiser.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runInit writes a commented default configuration into dir. It
// refuses to overwrite an existing file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "kaiser.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}

// runServe is the primary operating mode: load config, open the store,
// connect to the broker, start the rule engine and HTTP surface, and
// block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting kaiser",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known. The
	// initial Info-level text logger covers only the startup banner.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded", "path", cfgPath, "kaiser_id", cfg.KaiserID,
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	clk := clock.Real()
	bus := events.New()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	breakerSettings := breaker.Settings{
		FailureThreshold: uint32(cfg.Breakers.FailureThreshold),
		ResetTimeout:     time.Duration(cfg.Breakers.ResetTimeoutSec) * time.Second,
		HalfOpenMaxCalls: uint32(cfg.Breakers.HalfOpenMaxCalls),
	}
	dbBreaker := breaker.New("db", breakerSettings, logger)
	mqttBreaker := breaker.New("mqtt", breakerSettings, logger)

	dbPath := filepath.Join(cfg.DataDir, "kaiser.db")
	st, err := store.Open(dbPath, dbBreaker, logger)
	if err != nil {
		return fmt.Errorf("open store %s: %w", dbPath, err)
	}
	defer st.Close()
	st.AttachBus(bus)
	logger.Info("store opened", "path", dbPath)

	registry, err := processors.NewDefaultRegistry(logger)
	if err != nil {
		return fmt.Errorf("populate processor registry: %w", err)
	}
	logger.Info("processor registry populated", "types", len(registry.Types()))

	codec := topics.NewCodec(cfg.KaiserID)
	tracker := health.NewTracker(st, bus, clk, cfg.Health, logger)

	dispatcher := mqtt.NewDispatcher(cfg.Subscriber.MaxWorkers, bus, m, logger)
	client := mqtt.NewClient(cfg.MQTT, codec, mqttBreaker, dispatcher, m, logger)

	// --- Logic engine ---
	waiter := logic.NewResponseWaiter()
	executor := logic.NewActionExecutor(client, waiter, bus, codec, clk,
		time.Duration(cfg.Logic.ResponseTimeoutSec)*time.Second, logger)
	conflicts := logic.NewConflictManager(time.Duration(cfg.Logic.LockTTLSec)*time.Second, clk, logger)
	limiter := logic.NewRateLimiter(cfg.Logic.GlobalRatePerSec, cfg.Logic.DeviceRatePerSec, clk)
	evaluator := logic.NewConditionEvaluator(st, clk)
	engine := logic.NewEngine(st, evaluator, executor, conflicts, limiter, bus, m, clk,
		time.Duration(cfg.Logic.RuleTimeoutSec)*time.Second, logger)

	// --- Handlers ---
	// Registration order matters: the dispatcher routes each message to
	// the first matching pattern.
	sensorH := handlers.NewSensorHandler(st, registry, codec, client, engine, bus, m, clk, logger)
	actuatorH := handlers.NewActuatorHandler(st, codec, waiter, client, bus, clk, logger)
	heartbeatH := handlers.NewHeartbeatHandler(st, codec, tracker, bus, clk, logger)
	diagH := handlers.NewDiagnosticsHandler(codec, bus, logger)
	configH := handlers.NewConfigResponseHandler(codec, bus, logger)
	zoneH := handlers.NewZoneAckHandler(codec, bus, logger)
	lwtH := handlers.NewLWTHandler(codec, tracker, logger)

	dispatcher.Register(codec.SensorDataPattern(), mqtt.QoSDefault, sensorH)
	dispatcher.Register(codec.ActuatorStatusPattern(), mqtt.QoSDefault, actuatorH)
	dispatcher.Register(codec.ActuatorResponsePattern(), mqtt.QoSDefault, actuatorH)
	dispatcher.Register(codec.ActuatorAlertPattern(), mqtt.QoSDefault, actuatorH)
	dispatcher.Register(codec.HeartbeatPattern(), mqtt.QoSHeartbeat, heartbeatH)
	dispatcher.Register(codec.DiagnosticsPattern(), mqtt.QoSDefault, diagH)
	dispatcher.Register(codec.ConfigResponsePattern(), mqtt.QoSConfig, configH)
	dispatcher.Register(codec.ZoneAckPattern(), mqtt.QoSDefault, zoneH)
	dispatcher.Register(codec.SubzoneAckPattern(), mqtt.QoSDefault, zoneH)
	dispatcher.Register(codec.LWTPattern(), mqtt.QoSDefault, lwtH)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Stop(stopCtx)
	}()

	// --- WebSocket fan-out ---
	wsm := ws.NewManager(bus, m, cfg.WebSocket.ClientRatePerSec, logger)
	go wsm.Run(ctx)

	// --- Scheduler ---
	sched := scheduler.New(logger)
	registerJobs(sched, cfg, st, client, tracker, conflicts, engine, bus, m, logger)
	sched.Start(ctx)
	defer sched.Stop()

	// --- HTTP surface ---
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	srv := web.NewServer(addr, st, client, tracker, wsm, promReg, logger)
	err = srv.Start(ctx)

	logger.Info("shutting down")
	dispatcher.Wait()
	return err
}

// registerJobs hooks up the periodic maintenance passes. Retention
// jobs only run when explicitly enabled: the stock build never deletes
// user data.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, st *store.Store,
	client *mqtt.Client, tracker *health.Tracker, conflicts *logic.ConflictManager,
	engine *logic.Engine, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) {

	sched.Register(scheduler.Job{
		Name:     "device_timeout_sweep",
		Interval: time.Duration(cfg.Health.SweepIntervalSec) * time.Second,
		Run:      tracker.Sweep,
	})

	sched.Register(scheduler.Job{
		Name:     "mqtt_health_probe",
		Interval: 30 * time.Second,
		Run: func(ctx context.Context) error {
			m.SetBufferDepth(client.BufferDepth())
			if !client.Connected() {
				logger.Warn("mqtt broker unreachable",
					"breaker", client.BreakerState(), "buffered", client.BufferDepth())
			}
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "stale_sensor_sweep",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			stale, err := st.StaleSensorConfigs(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			for _, sc := range stale {
				logger.Warn("sensor silent past its timeout",
					"device_id", sc.DeviceID, "gpio", sc.GPIO, "sensor_type", sc.SensorType)
				if err := st.MarkReadingSuspect(ctx, sc.DeviceID, sc.GPIO); err != nil {
					logger.Error("suspect mark failed",
						"device_id", sc.DeviceID, "gpio", sc.GPIO, "error", err)
				}
				bus.Publish(events.TypeESPStatus, map[string]any{
					"esp_id":      sc.DeviceID,
					"gpio":        sc.GPIO,
					"sensor_type": sc.SensorType,
					"stale":       true,
				})
			}
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "timer_rule_evaluation",
		Interval: time.Duration(cfg.Logic.TimerIntervalSec) * time.Second,
		Run: func(ctx context.Context) error {
			engine.EvaluateTimerRules(ctx)
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "conflict_lock_sweep",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			conflicts.Sweep()
			return nil
		},
	})

	ret := cfg.Retention
	if ret.PruneReadings || ret.PruneExecutions || ret.PruneAudit {
		interval := time.Duration(ret.SweepIntervalHours) * time.Hour
		sched.Register(scheduler.Job{
			Name:     "retention_sweep",
			Interval: interval,
			Run: func(ctx context.Context) error {
				now := time.Now().UTC()
				if ret.PruneReadings {
					n, err := st.PruneReadings(ctx, now.AddDate(0, 0, -ret.ReadingMaxAgeDays))
					if err != nil {
						return err
					}
					logger.Info("pruned sensor readings", "rows", n)
				}
				if ret.PruneExecutions {
					n, err := st.PruneExecutions(ctx, now.AddDate(0, 0, -ret.HistoryMaxAgeDays))
					if err != nil {
						return err
					}
					logger.Info("pruned rule executions", "rows", n)
				}
				if ret.PruneAudit {
					n, err := st.PruneAudit(ctx, now.AddDate(0, 0, -ret.AuditMaxAgeDays))
					if err != nil {
						return err
					}
					logger.Info("pruned audit entries", "rows", n)
				}
				return nil
			},
		})
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
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

const defaultConfigYAML = `# kaiser.yaml - God-Kaiser server configuration
#
# ${ENV_VAR} references are expanded before parsing.

kaiser_id: god
data_dir: .
log_level: info
log_format: text

listen:
  address: ""
  port: 8420

mqtt:
  host: localhost
  port: 1883
  # username: kaiser
  # password: ${MQTT_PASSWORD}
  # tls: true
  # ca_cert: /etc/kaiser/ca.pem
  client_id_prefix: god-kaiser
  buffer_capacity: 1000
  publish_timeout_sec: 5

subscriber:
  max_workers: 10

health:
  heartbeat_interval_sec: 60
  offline_threshold_sec: 180
  sweep_interval_sec: 180

logic:
  timer_interval_sec: 60
  global_rate_per_sec: 100
  device_rate_per_sec: 20
  rule_timeout_sec: 30
  response_timeout_sec: 5
  lock_ttl_sec: 60

breakers:
  failure_threshold: 5
  reset_timeout_sec: 30
  half_open_max_calls: 2

websocket:
  client_rate_per_sec: 10

# Retention jobs delete data and are disabled by default.
retention:
  prune_readings: false
  prune_executions: false
  prune_audit: false
  reading_max_age_days: 90
  history_max_age_days: 90
  audit_max_age_days: 180
  sweep_interval_hours: 24
`
