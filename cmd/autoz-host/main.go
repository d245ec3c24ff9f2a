// autoz-host computes and applies the nozzle Z offset automatically.
// It probes the bed through a probe driver, compares the result against
// the stored calibration baseline, applies temperature compensation and
// adjustment profiles, and publishes state over HTTP/WebSocket for
// printer dashboards.
//
// Usage:
//
//	autoz-host -config ~/printer.cfg [options]
//
// Options:
//
//	-config string   Printer configuration file (required)
//	-state string    State file for baseline and history (default "autoz-state.yaml")
//	-status string   Status API listen address (default ":7130")
//	-metrics string  Prometheus metrics listen address ("" disables)
//	-logfile string  Log file path (default: stderr)
//	-loglevel string Log level: debug, info, warn, error (default "info")
//	-json            Emit JSON log lines
//	-simulate        Use a simulated probe and sensors, run one cycle
//
// Examples:
//
//	# Serve status on the default port
//	autoz-host -config ~/printer.cfg
//
//	# Dry run against simulated hardware
//	autoz-host -config ~/printer.cfg -simulate
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"autoz-host/pkg/autoz"
	"autoz-host/pkg/config"
	"autoz-host/pkg/log"
	"autoz-host/pkg/metrics"
	"autoz-host/pkg/statusapi"
	"autoz-host/pkg/store"
)

func main() {
	configFile := flag.String("config", "", "Printer configuration file (required)")
	stateFile := flag.String("state", "autoz-state.yaml", "State file for baseline and history")
	statusAddr := flag.String("status", ":7130", "Status API listen address")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen address (empty disables)")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	jsonLog := flag.Bool("json", false, "Emit JSON log lines")
	simulate := flag.Bool("simulate", false, "Use a simulated probe and sensors, run one cycle")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	lg := log.New("autoz-host")
	lg.SetLevel(log.ParseLevel(*logLevel))
	if *jsonLog {
		lg.SetFormat(log.FormatJSON)
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		lg.SetWriter(f)
	}

	lg.Info("autoz-host starting")

	printerCfg, err := config.Load(*configFile)
	if err != nil {
		fatal(lg, "config parse failed", err)
	}
	cfg, profiles, err := autoz.LoadConfig(printerCfg)
	if err != nil {
		fatal(lg, "config load failed", err)
	}
	lg.Info("configuration loaded", log.Fields{
		"probe_type": cfg.ProbeType,
		"samples":    cfg.Samples,
		"profiles":   len(profiles),
	})
	warnUnusedOptions(lg, printerCfg)

	em := metrics.NewEngineMetrics()

	deps := autoz.Deps{
		Store:   store.NewFileStore(*stateFile),
		Logger:  lg.WithPrefix("engine"),
		Metrics: em,
	}
	if *simulate {
		sim := newSimRig(cfg)
		deps.Prober = sim
		deps.Temps = sim
		deps.Applicator = sim
		lg.Warn("running against simulated hardware")
	} else {
		// No hardware integration is wired in this binary yet; runs are
		// rejected until a probe driver is supplied.
		deps.Prober = &unattachedProber{}
	}

	engine, err := autoz.New(cfg, profiles, deps)
	if err != nil {
		fatal(lg, "engine init failed", err)
	}

	statusSrv := statusapi.New(statusapi.Config{
		Addr:   *statusAddr,
		Source: engine,
		Logger: lg.WithPrefix("statusapi"),
	})
	go func() {
		if err := statusSrv.Start(); err != nil {
			lg.Error("status API failed", log.Fields{"error": err.Error()})
		}
	}()
	lg.Info("status API listening", log.Fields{"addr": *statusAddr})

	var metricsSrv *metrics.MetricsServer
	if *metricsAddr != "" {
		metricsSrv = metrics.NewMetricsServer(em, *metricsAddr)
		metricsSrv.StartAsync()
		lg.Info("metrics listening", log.Fields{"addr": *metricsAddr})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *simulate {
		runSimulation(lg, engine, statusSrv)
	}

	<-sigCh
	lg.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	_ = statusSrv.Stop()
	lg.Info("autoz-host stopped")
}

// warnUnusedOptions flags likely typos in the engine's own sections. Other
// printer.cfg sections belong to other hosts and are left alone.
func warnUnusedOptions(lg *log.Logger, printerCfg *config.Config) {
	for _, name := range printerCfg.SectionNames() {
		if name != autoz.ConfigSection && !strings.HasPrefix(name, autoz.ProfileSectionPrefix) {
			continue
		}
		sec := printerCfg.GetSectionOptional(name)
		for _, opt := range sec.UnusedOptions() {
			lg.Warn("unknown config option", log.Fields{"section": name, "option": opt})
		}
	}
}

func fatal(lg *log.Logger, msg string, err error) {
	lg.Error(msg, log.Fields{"error": err.Error()})
	os.Exit(1)
}

// runSimulation calibrates if needed, then performs one full offset cycle
// and broadcasts the result the way a driver-attached run would.
func runSimulation(lg *log.Logger, engine *autoz.Engine, statusSrv *statusapi.Server) {
	ctx := context.Background()

	if !engine.Calibrated() {
		lg.Info("no baseline stored, calibrating")
		if _, err := engine.BeginCalibration(ctx, nil); err != nil {
			fatal(lg, "calibration probe failed", err)
		}
		// Paper contact accepted at Z=0, so the stored delta is the
		// negated trigger height and later offsets track drift.
		baseline, err := engine.FinishCalibration(ctx, 0)
		if err != nil {
			fatal(lg, "calibration failed", err)
		}
		lg.Info("calibration stored", log.Fields{
			"trigger_height": fmt.Sprintf("%.4f", baseline.TriggerHeight),
		})
	}

	result, err := engine.Run(ctx, nil)
	if err != nil {
		fatal(lg, "offset run failed", err)
	}
	lg.Info("offset computed", log.Fields{
		"probe_z": fmt.Sprintf("%.4f", result.ProbeZ),
		"spread":  fmt.Sprintf("%.4f", result.Spread),
		"drift":   fmt.Sprintf("%.4f", result.Drift),
		"offset":  fmt.Sprintf("%.4f", result.FinalOffset),
	})
	for _, d := range result.Details {
		lg.Debug("adjustment term", log.Fields{"name": d.Name, "value": d.Value})
	}
	statusSrv.Broadcast("notify_offset_applied", map[string]any{
		"offset":  result.FinalOffset,
		"probe_z": result.ProbeZ,
		"spread":  result.Spread,
	})
}

// simRig fakes the probe, the temperature sensors and the offset
// applicator for dry runs without a printer.
type simRig struct {
	rng     *rand.Rand
	trigger float64
	temps   map[string]float64
}

func newSimRig(cfg autoz.Config) *simRig {
	return &simRig{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		trigger: 0.500,
		temps: map[string]float64{
			cfg.BedSensor:    60.0,
			cfg.HotendSensor: 200.0,
		},
	}
}

func (s *simRig) ProbeOnce(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// ~3um of gaussian noise, about what a strain-gauge probe shows.
	return s.trigger + s.rng.NormFloat64()*0.003, nil
}

func (s *simRig) Retract(ctx context.Context, dist float64) error {
	return ctx.Err()
}

func (s *simRig) Temperature(sensor string) (float64, error) {
	t, ok := s.temps[sensor]
	if !ok {
		return 0, fmt.Errorf("unknown sensor %q", sensor)
	}
	return t, nil
}

func (s *simRig) Apply(offset float64, move bool, moveSpeed float64) error {
	return nil
}

// unattachedProber rejects runs until real probe hardware registers.
type unattachedProber struct{}

func (p *unattachedProber) ProbeOnce(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("no probe driver attached")
}

func (p *unattachedProber) Retract(ctx context.Context, dist float64) error {
	return fmt.Errorf("no probe driver attached")
}
