package dispatcher

import (
	"fmt"
	"os"
	"time"

	"github.com/horockey/go-toolbox/options"
	"github.com/rs/zerolog"
)

// Option configures a Dispatcher.
type Option = options.Option[dispatcherParams]

type dispatcherParams struct {
	defaultTimeout time.Duration
	probeTimeout   time.Duration
	deadlineFactor float64
	logger         zerolog.Logger
}

func defaultDispatcherParams() dispatcherParams {
	return dispatcherParams{
		defaultTimeout: 10 * time.Second,
		probeTimeout:   time.Second,
		deadlineFactor: 3,
		logger: zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().
			Timestamp().
			Logger(),
	}
}

// Sets the per-node timeout used when an operation carries none.
// Default is 10s.
func WithDefaultTimeout(to time.Duration) options.Option[dispatcherParams] {
	return func(target *dispatcherParams) error {
		if to <= 0 {
			return fmt.Errorf("default timeout must be positive, got: %s", to)
		}
		target.defaultTimeout = to
		return nil
	}
}

// Sets the bound of the reachability probe run before lifecycle verbs.
// Default is 1s.
func WithProbeTimeout(to time.Duration) options.Option[dispatcherParams] {
	return func(target *dispatcherParams) error {
		if to <= 0 {
			return fmt.Errorf("probe timeout must be positive, got: %s", to)
		}
		target.probeTimeout = to
		return nil
	}
}

// Sets the multiplier applied to the operation timeout to get the hard
// overall deadline. Must leave room for one forced retry.
// Default is 3.
func WithDeadlineFactor(f float64) options.Option[dispatcherParams] {
	return func(target *dispatcherParams) error {
		if f < 1 {
			return fmt.Errorf("deadline factor must be at least 1, got: %v", f)
		}
		target.deadlineFactor = f
		return nil
	}
}

// Sets custom logger.
// Default is console logger to stdout.
func WithLogger(l zerolog.Logger) options.Option[dispatcherParams] {
	return func(target *dispatcherParams) error {
		target.logger = l
		return nil
	}
}
