// Package probe checks node reachability by connecting to the node's
// container runtime endpoint. It never looks at container state.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/horockey/go-toolbox/options"
	"github.com/rs/zerolog"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

const DefaultRuntimePort = 2375

var _ ports.Prober = &Prober{}

// Option configures a Prober.
type Option = options.Option[proberParams]

type proberParams struct {
	concurrency int
	defaultPort int
	logger      zerolog.Logger
}

// Sets how many probes ProbeAll runs at once.
// Default is 16.
func WithConcurrency(n int) Option {
	return func(target *proberParams) error {
		if n <= 0 {
			return fmt.Errorf("concurrency must be positive, got: %d", n)
		}
		target.concurrency = n
		return nil
	}
}

// Sets the port dialed when a node has no runtime endpoint.
// Default is 2375.
func WithDefaultPort(p int) Option {
	return func(target *proberParams) error {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port: %d", p)
		}
		target.defaultPort = p
		return nil
	}
}

// Sets custom logger.
// Default is console logger to stdout.
func WithLogger(l zerolog.Logger) Option {
	return func(target *proberParams) error {
		target.logger = l
		return nil
	}
}

// Prober checks that a node's container runtime accepts connections.
type Prober struct {
	params proberParams
	logger zerolog.Logger
}

// New creates a prober.
func New(opts ...Option) (*Prober, error) {
	params := proberParams{
		concurrency: 16,
		defaultPort: DefaultRuntimePort,
		logger: zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().
			Timestamp().
			Logger(),
	}
	if err := options.ApplyOptions(&params, opts...); err != nil {
		return nil, fmt.Errorf("applying opts: %w", err)
	}

	return &Prober{
		params: params,
		logger: params.logger.With().Str("scope", "prober").Logger(),
	}, nil
}

// Probe reports whether a connection to the node's runtime endpoint can be
// opened within timeout.
func (p *Prober) Probe(ctx context.Context, node domain.NodeDescriptor, timeout time.Duration) bool {
	network, addr, err := p.Address(node)
	if err != nil {
		p.logger.Debug().
			Err(fmt.Errorf("resolving probe address: %w", err)).
			Str("node", node.Name).
			Send()
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		p.logger.Debug().
			Str("node", node.Name).
			Str("addr", addr).
			Err(err).
			Msg("node unreachable")
		return false
	}
	_ = conn.Close()
	return true
}

// ProbeAll probes every node concurrently and returns reachability by name.
func (p *Prober) ProbeAll(ctx context.Context, nodes []domain.NodeDescriptor, timeout time.Duration) map[string]bool {
	var mu sync.Mutex
	res := make(map[string]bool, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.params.concurrency)

	for _, node := range nodes {
		node := node
		g.Go(func() error {
			ok := p.Probe(gctx, node, timeout)

			mu.Lock()
			res[node.Name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return res
}

// Address returns the network address probed for node: the runtime endpoint
// when set, otherwise the node host on the default runtime port.
func (p *Prober) Address(node domain.NodeDescriptor) (network string, addr string, err error) {
	if node.RuntimeEndpoint == "" {
		if node.Host == "" {
			return "", "", fmt.Errorf("node %s has neither runtime endpoint nor host", node.Name)
		}
		return "tcp", net.JoinHostPort(node.Host, strconv.Itoa(p.params.defaultPort)), nil
	}

	u, err := url.Parse(node.RuntimeEndpoint)
	if err != nil {
		return "", "", fmt.Errorf("parsing runtime endpoint: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp", "http", "https":
		if u.Port() == "" {
			return "tcp", net.JoinHostPort(u.Hostname(), strconv.Itoa(p.params.defaultPort)), nil
		}
		return "tcp", u.Host, nil
	}
	return "", "", fmt.Errorf("unsupported runtime endpoint scheme %q", u.Scheme)
}
