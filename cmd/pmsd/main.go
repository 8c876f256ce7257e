// Command pmsd supervises a battery site: it polls the BMS, PCS and
// DCDC converters over Modbus/TCP, publishes their telemetry to MQTT,
// executes control commands, and runs the SOC-driven auto mode.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"pms-go/cache"
	"pms-go/config"
	"pms-go/device"
	"pms-go/metrics"
	"pms-go/mqtt"
	"pms-go/regmap"
	"pms-go/sched"
	"pms-go/services/automode"
	"pms-go/services/opman"
	"pms-go/services/poller"
	"pms-go/services/recovery"
	"pms-go/store"
	"pms-go/types"
)

const version = "0.4.0"

const (
	exitOK     = 0
	exitConfig = 1
	exitMQTT   = 2
)

var (
	configFile    = kingpin.Flag("config.file", "Path to the YAML configuration file.").Default("config.yaml").String()
	logLevel      = kingpin.Flag("log.level", "Log verbosity.").Default("info").Enum("debug", "info", "warn", "error")
	listenAddress = kingpin.Flag("web.listen-address", "Address for the Prometheus metrics endpoint.").Default(":9110").String()
)

func main() {
	kingpin.Version(version)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	code := run(log)
	_ = log.Sync()
	os.Exit(code)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func run(log *zap.Logger) int {
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("configuration failed", zap.String("file", *configFile), zap.Error(err))
		return exitConfig
	}
	log.Info("starting pmsd",
		zap.String("version", version),
		zap.String("location", cfg.Location()),
		zap.Int("devices", len(cfg.Devices)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if cfg.Database.Enabled {
		st, err = store.Open(cfg.Database.URL, cfg.Location(), log)
		if err != nil {
			log.Error("database open failed", zap.String("url", cfg.Database.URL), zap.Error(err))
			return exitConfig
		}
		defer st.Close()
	}

	initialMode := types.ModeBasic
	resumeAuto := false
	if st != nil && cfg.Database.LoadConfigFromDB {
		row, err := st.Load()
		switch {
		case err != nil:
			log.Warn("stored configuration unavailable, using file values", zap.Error(err))
		case row != nil:
			yamlAuto := cfg.AutoMode
			row.ApplyTo(cfg)
			if !cfg.AutoMode.ThresholdsValid() {
				// A corrupt row must not take the supervisor down.
				log.Warn("stored thresholds out of order, keeping file values")
				cfg.AutoMode = yamlAuto
			}
			if row.OperationMode.Valid() {
				initialMode = row.OperationMode
			}
			resumeAuto = row.AutoModeActive
			log.Info("restored state from database",
				zap.String("mode", string(initialMode)),
				zap.Bool("auto_active", resumeAuto))
		}
	}

	reg := device.NewRegistry()
	defer reg.CloseAll()
	for _, spec := range cfg.Devices {
		m, err := regmap.Resolve(cfg.System.RegisterMapDir, spec.Type)
		if err != nil {
			log.Error("register map load failed", zap.String("device", spec.Name), zap.Error(err))
			return exitConfig
		}
		if err := reg.Add(device.New(spec, m, cfg.System.Timeout(), log)); err != nil {
			log.Error("device registration failed", zap.String("device", spec.Name), zap.Error(err))
			return exitConfig
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(promReg)

	webMux := http.NewServeMux()
	webMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	web := &http.Server{Addr: *listenAddress, Handler: webMux}
	go func() {
		log.Info("metrics endpoint up", zap.String("address", *listenAddress))
		if err := web.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = web.Shutdown(shutCtx)
	}()

	c := cache.New()

	tr := mqtt.NewTransport(cfg.MQTT, met, log)
	tr.Start(ctx)
	defer tr.Close()

	s := sched.New(log)
	pipe := poller.New(reg, c, tr, tr.Topics(), met, log)
	if err := pipe.Register(s, cfg.Devices); err != nil {
		log.Error("poll schedule failed", zap.Error(err))
		return exitConfig
	}
	go s.Run(ctx)

	plant := automode.Plant{}
	bmsH, haveBMS := reg.First(types.DeviceBMS)
	if haveBMS {
		plant.BMSName = bmsH.Name()
	}
	pcsH, havePCS := reg.First(types.DevicePCS)
	if havePCS {
		plant.PCS = pcsH
		plant.PCSName = pcsH.Name()
	}
	if h, ok := reg.First(types.DeviceDCDC); ok {
		plant.DCDC = h
		plant.DCDCName = h.Name()
	}

	machine := automode.NewMachine(plant, c, cfg.AutoMode, met, log)
	defer machine.Close()

	var mon *automode.SOCMonitor
	if plant.BMSName != "" {
		interval := time.Duration(cfg.AutoMode.SOCMonitorInterval * float64(time.Second))
		mon = automode.NewSOCMonitor(machine, c, plant.BMSName, interval, met, log)
	}

	var watch *recovery.Watchdog
	if haveBMS && havePCS {
		watch = recovery.New(bmsH, pcsH, met, log)
	}

	var persist opman.Persister
	if st != nil {
		persist = st
	}
	mgr := opman.New(tr, tr.Topics(), reg, machine, opman.Options{
		Location:    cfg.Location(),
		AutoEnabled: cfg.AutoMode.Enabled,
		InitialMode: initialMode,
		Monitor:     mon,
		Watchdog:    watch,
		Store:       persist,
		Metrics:     met,
		Logger:      log,
	})
	if err := mgr.Start(ctx); err != nil {
		log.Error("control plane subscription failed", zap.Error(err))
		return exitMQTT
	}

	if resumeAuto && initialMode == types.ModeAuto && cfg.AutoMode.Enabled {
		go func() {
			if err := machine.StartAutoMode(); err != nil {
				log.Warn("auto mode resume failed", zap.Error(err))
			} else {
				log.Info("auto mode resumed")
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		machine.ForceStop()
		return exitOK
	case err := <-tr.Fatal():
		log.Error("mqtt transport gave up", zap.Error(err))
		machine.ForceStop()
		return exitMQTT
	}
}
