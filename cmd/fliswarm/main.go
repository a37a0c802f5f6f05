package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sdss/fliswarm/internal/adapters/docker"
	fhttp "github.com/sdss/fliswarm/internal/adapters/http"
	"github.com/sdss/fliswarm/internal/adapters/power"
	"github.com/sdss/fliswarm/internal/adapters/probe"
	"github.com/sdss/fliswarm/internal/config"
	"github.com/sdss/fliswarm/internal/core/dispatcher"
	"github.com/sdss/fliswarm/internal/core/registry"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "fliswarm.yaml", "path to the configuration file")
		observatory = pflag.String("observatory", "", "active site, overrides the configuration")
		addr        = pflag.String("addr", "", "HTTP listen address, overrides the configuration")
		logLevel    = pflag.String("log-level", "", "log level, overrides the configuration")
	)
	pflag.Parse()

	cfg, err := config.Load(
		*configPath,
		config.WithObservatory(*observatory),
		config.WithHTTPAddr(*addr),
		config.WithLogLevel(*logLevel),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("fliswarm stopped with error")
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parsing log level: %w", err)
	}

	if cfg.JSON {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger(), nil
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger(), nil
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	holder := registry.NewHolder(reg)

	prober, err := probe.New(probe.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating prober: %w", err)
	}

	bridge := power.New(cfg.Power.Endpoint, cfg.Power.Actor, cfg.PowerCommands(), logger)

	tmpl := cfg.Template()
	disp, err := dispatcher.New(
		holder,
		docker.Factory(tmpl, docker.WithStatusTimeout(cfg.Timeouts.Status), docker.WithLogger(logger)),
		prober,
		bridge,
		tmpl,
		dispatcher.WithDefaultTimeout(cfg.Timeouts.Default),
		dispatcher.WithProbeTimeout(cfg.Timeouts.Probe),
		dispatcher.WithDeadlineFactor(cfg.Timeouts.DeadlineFactor),
		dispatcher.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promReg.MustRegister(disp.Metrics()...)
	promReg.MustRegister(bridge.Metrics()...)

	reachable := prober.ProbeAll(ctx, reg.Nodes(), cfg.Timeouts.Probe)
	for _, node := range reg.Nodes() {
		logger.Info().
			Str("node", node.Name).
			Str("endpoint", node.RuntimeEndpoint).
			Bool("enabled", node.Enabled).
			Bool("reachable", reachable[node.Name]).
			Msg("node registered")
	}
	logger.Info().
		Str("observatory", reg.Site()).
		Int("nodes", len(reg.Nodes())).
		Int("reachable", lo.CountBy(lo.Values(reachable), func(ok bool) bool { return ok })).
		Msg("registry loaded")

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	fhttp.NewFleetHandler(disp, logger).Register(app)
	fhttp.RegisterMetrics(app, promReg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http server starting")
		if err := app.Listen(cfg.HTTP.Addr); err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping http server: %w", err))
		}
		if err := disp.Drain(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("draining dispatcher: %w", err))
		}
		if err := disp.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
