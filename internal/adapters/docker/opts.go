package docker

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/client"
	"github.com/horockey/go-toolbox/options"
	"github.com/rs/zerolog"
)

// Option configures a Handle.
type Option = options.Option[handleParams]

type handleParams struct {
	statusTimeout time.Duration
	killTimeout   time.Duration
	clientOpts    []client.Opt
	logger        zerolog.Logger
}

func defaultHandleParams() handleParams {
	return handleParams{
		statusTimeout: 2 * time.Second,
		killTimeout:   5 * time.Second,
		logger: zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().
			Timestamp().
			Logger(),
	}
}

// Sets the fixed bound of Status calls.
// Default is 2s.
func WithStatusTimeout(to time.Duration) Option {
	return func(target *handleParams) error {
		if to <= 0 {
			return fmt.Errorf("status timeout must be positive, got: %s", to)
		}
		target.statusTimeout = to
		return nil
	}
}

// Sets the bound of the SIGKILL sent when a forced stop escalates.
// Default is 5s.
func WithKillTimeout(to time.Duration) Option {
	return func(target *handleParams) error {
		if to <= 0 {
			return fmt.Errorf("kill timeout must be positive, got: %s", to)
		}
		target.killTimeout = to
		return nil
	}
}

// Appends options to the engine client, after host and version negotiation.
func WithClientOpts(opts ...client.Opt) Option {
	return func(target *handleParams) error {
		target.clientOpts = append(target.clientOpts, opts...)
		return nil
	}
}

// Sets custom logger.
// Default is console logger to stdout.
func WithLogger(l zerolog.Logger) Option {
	return func(target *handleParams) error {
		target.logger = l
		return nil
	}
}
