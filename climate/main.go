package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/mjasion/balena-home/climate/actuator"
	"github.com/mjasion/balena-home/climate/chart"
	"github.com/mjasion/balena-home/climate/config"
	"github.com/mjasion/balena-home/climate/gpio"
	"github.com/mjasion/balena-home/climate/housekeeping"
	"github.com/mjasion/balena-home/climate/poller"
	"github.com/mjasion/balena-home/climate/sensor"
	"github.com/mjasion/balena-home/climate/server"
	"github.com/mjasion/balena-home/climate/store"
	"github.com/mjasion/balena-home/pkg/buffer"
	pkgmetrics "github.com/mjasion/balena-home/pkg/metrics"
	"github.com/mjasion/balena-home/pkg/profiling"
	"github.com/mjasion/balena-home/pkg/telemetry"
	"github.com/mjasion/balena-home/pkg/types"
)

const samplePoints = 1000

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting climate service")
	cfg.PrintConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("climate service failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("climate service stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry providers: %w", err)
	}
	defer func() {
		if otelProviders != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
			}
		}
	}()

	ctx, startSpan := otel.Tracer("main").Start(ctx, "main.startup")

	st, err := store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		KeepExisting: cfg.Store.KeepExisting,
	}, logger.Named("store"))
	if err != nil {
		startSpan.End()
		return err
	}
	defer st.Close()

	if cfg.Store.SeedSampleData {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		if err := store.SeedSampleData(ctx, st, time.Now(), rng, samplePoints); err != nil {
			startSpan.End()
			return err
		}
		logger.Info("sample data seeded", zap.Int("points_per_series", samplePoints))
	}

	// The raspi adaptor serves both header pins and I2C buses; open it once.
	var (
		board     *raspi.Adaptor
		boardOnce sync.Once
		boardErr  error
	)
	openBoard := func() (*raspi.Adaptor, error) {
		boardOnce.Do(func() { board, boardErr = gpio.OpenRaspi() })
		return board, boardErr
	}
	defer func() {
		if board != nil {
			if err := board.Finalize(); err != nil {
				logger.Error("failed to release raspi adaptor", zap.Error(err))
			}
		}
	}()

	var pins gpio.Driver
	switch cfg.GPIO.Driver {
	case config.GPIODriverRaspi:
		b, err := openBoard()
		if err != nil {
			startSpan.End()
			return err
		}
		pins = gpio.NewBoardDriver(b, logger.Named("gpio"))
	default:
		pins = gpio.NewLogDriver(logger.Named("gpio"))
	}

	factory := &sensor.Factory{
		BLEMaxAge: time.Duration(cfg.BLE.MaxAgeSecs) * time.Second,
		MQTT: sensor.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			MaxAge:   time.Duration(cfg.MQTT.MaxAgeSecs) * time.Second,
		},
		Board: func() (i2c.Connector, error) {
			return openBoard()
		},
		Logger: logger.Named("sensor"),
	}

	sensorCfgs := cfg.SortedSensors()
	sources := make([]poller.Source, 0, len(sensorCfgs))
	names := make([]string, 0, len(sensorCfgs))
	for _, sc := range sensorCfgs {
		s, err := factory.New(sc)
		if err != nil {
			startSpan.End()
			return err
		}
		sources = append(sources, poller.Source{Name: sc.Name, Sensor: s, Rules: sc.Rules()})
		names = append(names, sc.Name)
	}

	var (
		ringBuffer *buffer.RingBuffer[*types.Reading]
		pusher     *pkgmetrics.Pusher
	)
	if cfg.Prometheus.Enabled {
		ringBuffer = buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger.Named("buffer"))
		pusher = pkgmetrics.New(pkgmetrics.Config{
			URL:          cfg.Prometheus.URL,
			Username:     cfg.Prometheus.Username,
			Password:     cfg.Prometheus.Password,
			PushInterval: time.Duration(cfg.Prometheus.PushIntervalSecs) * time.Second,
			BatchSize:    cfg.Prometheus.BatchSize,
		}, ringBuffer, logger.Named("prometheus"))
		logger.Info("prometheus pusher initialized", zap.Int("buffer_capacity", cfg.Prometheus.BufferSize))
	}

	evaluator := actuator.NewEvaluator(pins, logger.Named("actuator"))
	sensorPoller := poller.New(poller.Config{
		Interval:   cfg.ReadInterval(),
		RetryDelay: cfg.RetryInterval(),
	}, sources, st, evaluator, ringBuffer, logger.Named("poller"))

	keeper, err := housekeeping.New(cfg.Housekeeping.Schedule, st, store.KeepAll{}, logger.Named("housekeeping"))
	if err != nil {
		startSpan.End()
		return err
	}

	opts := server.Options{
		Port:    cfg.HTTP.Port,
		Workers: cfg.HTTP.Workers,
		Sensors: names,
	}
	if pusher != nil {
		opts.Export = pusher
	}
	srv, err := server.New(opts, chart.NewRenderer(st, logger.Named("chart")), st, sensorPoller, logger.Named("http"))
	if err != nil {
		startSpan.End()
		return err
	}
	startSpan.End()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	if hub := factory.MQTTHub(); hub != nil {
		if err := hub.Connect(); err != nil {
			return err
		}
		defer hub.Disconnect()
	}

	if scanner := factory.BLEScanner(); scanner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scanner.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if pusher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sensorPoller.Run(ctx); err != nil {
			var cfgErr *actuator.ConfigError
			if errors.As(err, &cfgErr) {
				errCh <- fmt.Errorf("refusing to drive pins with invalid rule: %w", err)
				return
			}
			errCh <- err
		}
	}()

	keeper.Start()

	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", zap.Error(runErr))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}
	keeper.Stop(shutdownCtx)

	logger.Info("waiting for goroutines to finish")
	wg.Wait()

	return runErr
}
