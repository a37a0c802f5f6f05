// Package dispatcher fans one operation out to every targeted node and
// aggregates the per-node outcomes into a single FleetResult.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/horockey/go-toolbox/options"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
	"github.com/sdss/fliswarm/internal/core/registry"
)

var _ ports.FleetService = &Dispatcher{}

// Dispatcher runs fleet operations and keeps the runtime state of every node.
type Dispatcher struct {
	registry *registry.Holder
	handles  *handleCache
	prober   ports.Prober
	power    ports.PowerController
	template domain.ContainerTemplate

	states   *stateTable
	inflight sync.WaitGroup

	params  dispatcherParams
	logger  zerolog.Logger
	metrics *metrics
}

// New creates a dispatcher over the registry held by reg.
func New(
	reg *registry.Holder,
	factory ports.HandleFactory,
	prober ports.Prober,
	power ports.PowerController,
	template domain.ContainerTemplate,
	opts ...Option,
) (*Dispatcher, error) {
	params := defaultDispatcherParams()
	if err := options.ApplyOptions(&params, opts...); err != nil {
		return nil, fmt.Errorf("applying opts: %w", err)
	}

	switch {
	case reg == nil || reg.Load() == nil:
		return nil, errors.New("got nil registry")
	case factory == nil:
		return nil, errors.New("got nil handle factory")
	case prober == nil:
		return nil, errors.New("got nil prober")
	case power == nil:
		return nil, errors.New("got nil power controller")
	}

	return &Dispatcher{
		registry: reg,
		handles:  newHandleCache(factory),
		prober:   prober,
		power:    power,
		template: template,
		states:   newStateTable(),
		params:   params,
		logger:   params.logger.With().Str("scope", "dispatcher").Logger(),
		metrics:  newMetrics(),
	}, nil
}

func (d *Dispatcher) Metrics() []prometheus.Collector {
	return d.metrics.list()
}

// Registry returns the registry currently in effect.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry.Load()
}

// nodeResult is what a node task hands back to the collector.
type nodeResult struct {
	name      string
	outcome   domain.NodeOutcome
	probed    bool
	reachable bool
	probedAt  time.Time
}

// Execute resolves the operation's targets and runs its verb on every target
// concurrently. It returns an error only when the request itself is invalid;
// once dispatch starts every node gets exactly one outcome.
func (d *Dispatcher) Execute(ctx context.Context, op domain.Operation) (res domain.FleetResult, resErr error) {
	defer func() {
		if resErr != nil {
			d.metrics.requestErrCnt.Inc()
		}
	}()

	if _, err := domain.ParseKind(string(op.Kind)); err != nil {
		return domain.FleetResult{}, err
	}
	if op.Timeout <= 0 {
		op.Timeout = d.params.defaultTimeout
	}

	reg := d.registry.Load()
	targets, err := reg.TargetSetFor(op.Nodes, op.Category, op.Force)
	if err != nil {
		return domain.FleetResult{}, fmt.Errorf("resolving targets: %w", err)
	}

	d.metrics.operationsCnt.WithLabelValues(string(op.Kind)).Inc()

	res = domain.FleetResult{
		OperationID: uuid.NewString(),
		Kind:        op.Kind,
		Outcomes:    make(map[string]domain.NodeOutcome, len(targets)),
	}
	logger := d.logger.With().
		Str("operation_id", res.OperationID).
		Str("kind", string(op.Kind)).
		Logger()

	logger.Info().
		Strs("nodes", lo.Map(targets, func(n domain.NodeDescriptor, _ int) string { return n.Name })).
		Bool("force", op.Force).
		Dur("timeout", op.Timeout).
		Msg("dispatching operation")

	deadline := hardDeadline(op.Timeout, d.params.deadlineFactor)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tickets := make(map[string]uint64, len(targets))
	for _, node := range targets {
		tickets[node.Name] = d.states.guard(node.Name).ticket()
	}

	start := time.Now()
	results := make(chan nodeResult, len(targets))

	for _, node := range targets {
		d.inflight.Add(1)
		go func(node domain.NodeDescriptor) {
			defer d.inflight.Done()
			results <- d.runNode(runCtx, reg.Site(), op, node)
		}(node)
	}

	collect := func(r nodeResult) {
		res.Outcomes[r.name] = r.outcome
		d.commit(r, tickets[r.name], res.OperationID)
	}

wait:
	for len(res.Outcomes) < len(targets) {
		select {
		case r := <-results:
			collect(r)
		case <-runCtx.Done():
			break wait
		}
	}

drain:
	for len(res.Outcomes) < len(targets) {
		select {
		case r := <-results:
			collect(r)
		default:
			break drain
		}
	}

	for _, node := range targets {
		if _, done := res.Outcomes[node.Name]; done {
			continue
		}

		out := domain.Failed(domain.ErrNoResponse, "")
		out.Elapsed = time.Since(start)
		collect(nodeResult{name: node.Name, outcome: out})

		d.metrics.noResponseCnt.Inc()
		logger.Warn().
			Str("node", node.Name).
			Dur("deadline", deadline).
			Msg("abandoning node call at hard deadline")
	}

	failed := res.Failed()
	for _, o := range res.Outcomes {
		d.metrics.nodeHandleTimeHist.Observe(o.Elapsed.Seconds())
		if o.Success {
			d.metrics.successNodesCnt.Inc()
		} else {
			d.metrics.errNodesCnt.Inc()
		}
	}

	logger.Info().
		Int("targets", len(targets)).
		Strs("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("operation finished")

	return res, nil
}

// runNode performs the operation verb on one node, including the probe
// short-circuit and the forced retry after a timeout.
func (d *Dispatcher) runNode(ctx context.Context, site string, op domain.Operation, node domain.NodeDescriptor) nodeResult {
	start := time.Now()
	res := nodeResult{name: node.Name}

	for attempt := 1; ; attempt++ {
		res.outcome = d.invoke(ctx, site, op, node, &res)
		res.outcome.Attempts = attempt

		if !res.outcome.Is(domain.ErrTimeout) || !op.Force || attempt > 1 || ctx.Err() != nil {
			break
		}

		d.metrics.retriesCnt.Inc()
		d.logger.Warn().
			Str("node", node.Name).
			Str("kind", string(op.Kind)).
			Msg("node timed out, retrying once")
	}

	res.outcome.Elapsed = time.Since(start)
	if !res.outcome.Success {
		d.logger.Error().
			Err(fmt.Errorf("running %s on %s: %w", op.Kind, node.Name, outcomeErr(res.outcome))).
			Send()
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, site string, op domain.Operation, node domain.NodeDescriptor, res *nodeResult) domain.NodeOutcome {
	probe := func(timeout time.Duration) bool {
		res.probed = true
		res.reachable = d.prober.Probe(ctx, node, timeout)
		res.probedAt = time.Now()
		return res.reachable
	}

	if action, ok := op.Kind.PowerAction(); ok {
		return d.power.PowerAction(ctx, node, action, op.Timeout)
	}

	if op.Kind == domain.KindPing {
		if !probe(op.Timeout) {
			return domain.Failed(domain.ErrNodeUnreachable, "")
		}
		return domain.Succeeded("reachable", domain.ContainerUnknown)
	}

	if node.RuntimeEndpoint == "" {
		return domain.Failed(domain.ErrNoRuntimeEndpoint, "")
	}
	if !probe(min(d.params.probeTimeout, op.Timeout)) {
		return domain.Failed(domain.ErrNodeUnreachable, "")
	}

	handle, err := d.handles.get(node)
	if err != nil {
		return domain.Failed(domain.ErrNodeUnreachable, err.Error())
	}

	spec := d.template.SpecFor(site, node)
	spec.RecreateVolumes = op.Force

	switch op.Kind {
	case domain.KindStatus:
		return handle.Status(ctx)
	case domain.KindStart:
		return handle.Start(ctx, spec, op.Timeout)
	case domain.KindStop:
		return handle.Stop(ctx, op.Timeout, op.Force)
	case domain.KindRestart:
		return handle.Restart(ctx, spec, op.Timeout, op.Force)
	case domain.KindRemove:
		return handle.Remove(ctx, op.Timeout, op.Force)
	}

	return domain.Failed(domain.ErrUnsupportedKind, string(op.Kind))
}

// commit writes the node's state under its guard. Results carrying an
// outdated ticket are dropped.
func (d *Dispatcher) commit(r nodeResult, ticket uint64, operationID string) {
	applied := d.states.guard(r.name).commit(ticket, func(st *domain.NodeState) {
		now := time.Now()
		st.UpdatedAt = now
		st.OperationID = operationID

		if r.probed {
			st.Reachable = r.reachable
			st.ProbedAt = r.probedAt
		}
		if r.outcome.Is(domain.ErrNodeUnreachable) {
			st.Reachable = false
		}

		if r.outcome.Container != domain.ContainerUnknown {
			st.Container = r.outcome.Container
		}

		st.LastError = ""
		if !r.outcome.Success {
			st.LastError = r.outcome.Detail
		}
	})

	if !applied {
		d.logger.Debug().
			Str("node", r.name).
			Str("operation_id", operationID).
			Msg("discarding outdated node state")
	}
}

// hardDeadline scales timeout by factor, saturating at the largest Duration.
func hardDeadline(timeout time.Duration, factor float64) time.Duration {
	scaled := float64(timeout) * factor
	if scaled >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

func outcomeErr(o domain.NodeOutcome) error {
	if o.Err == nil {
		return errors.New(o.Detail)
	}
	if o.Detail == o.Err.Error() {
		return o.Err
	}
	return fmt.Errorf("%w: %s", o.Err, o.Detail)
}

// State returns the last committed state of a node.
func (d *Dispatcher) State(name string) (domain.NodeState, bool) {
	return d.states.lookup(name)
}

// States returns a snapshot of every known node state.
func (d *Dispatcher) States() map[string]domain.NodeState {
	return d.states.snapshot()
}

// Nodes lists the active site's nodes with their runtime state.
func (d *Dispatcher) Nodes() []domain.NodeReport {
	states := d.states.snapshot()
	return lo.Map(d.registry.Load().Nodes(), func(node domain.NodeDescriptor, _ int) domain.NodeReport {
		return domain.NodeReport{NodeDescriptor: node, State: states[node.Name]}
	})
}

// SetEnabled swaps in a registry with the given nodes enabled or disabled.
// In-flight operations keep the registry they resolved against.
func (d *Dispatcher) SetEnabled(names []string, all bool, enabled bool) error {
	err := d.registry.Update(func(cur *registry.Registry) (*registry.Registry, error) {
		if all {
			names = lo.Map(cur.Nodes(), func(n domain.NodeDescriptor, _ int) string { return n.Name })
		}
		return cur.WithEnabled(names, enabled)
	})
	if err != nil {
		return fmt.Errorf("updating enabled nodes: %w", err)
	}

	d.logger.Info().
		Strs("nodes", names).
		Bool("enabled", enabled).
		Msg("enabled set changed")
	return nil
}

// Drain waits for node calls abandoned at the hard deadline to return.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining node calls: %w", ctx.Err())
	}
}

// Close releases every cached node handle.
func (d *Dispatcher) Close() error {
	if err := d.handles.close(); err != nil {
		return fmt.Errorf("closing handles: %w", err)
	}
	return nil
}
