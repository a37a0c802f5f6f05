package dispatcher_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sdss/fliswarm/internal/core/dispatcher"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
	"github.com/sdss/fliswarm/internal/core/registry"
	"github.com/stretchr/testify/require"
)

// verbFunc decides the outcome of one handle call. call counts every verb
// issued on that handle, starting at 1.
type verbFunc func(ctx context.Context, verb string, call int) domain.NodeOutcome

type fakeHandle struct {
	mu     sync.Mutex
	calls  map[string]int
	total  int
	fn     verbFunc
	specs  []domain.ContainerSpec
	closed atomic.Bool
}

func (h *fakeHandle) do(ctx context.Context, verb string) domain.NodeOutcome {
	h.mu.Lock()
	h.calls[verb]++
	h.total++
	call, fn := h.total, h.fn
	h.mu.Unlock()

	if fn == nil {
		return domain.Succeeded(verb, domain.ContainerRunning)
	}
	return fn(ctx, verb, call)
}

func (h *fakeHandle) count(verb string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[verb]
}

func (h *fakeHandle) Start(ctx context.Context, spec domain.ContainerSpec, _ time.Duration) domain.NodeOutcome {
	h.mu.Lock()
	h.specs = append(h.specs, spec)
	h.mu.Unlock()
	return h.do(ctx, "start")
}

func (h *fakeHandle) startSpecs() []domain.ContainerSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ContainerSpec(nil), h.specs...)
}

func (h *fakeHandle) Stop(ctx context.Context, _ time.Duration, _ bool) domain.NodeOutcome {
	return h.do(ctx, "stop")
}

func (h *fakeHandle) Restart(ctx context.Context, _ domain.ContainerSpec, _ time.Duration, _ bool) domain.NodeOutcome {
	return h.do(ctx, "restart")
}

func (h *fakeHandle) Remove(ctx context.Context, _ time.Duration, _ bool) domain.NodeOutcome {
	return h.do(ctx, "remove")
}

func (h *fakeHandle) Status(ctx context.Context) domain.NodeOutcome {
	return h.do(ctx, "status")
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// fakeFleet hands out one fakeHandle per node and counts factory calls.
type fakeFleet struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	fns     map[string]verbFunc
	opened  atomic.Int32
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		handles: map[string]*fakeHandle{},
		fns:     map[string]verbFunc{},
	}
}

func (f *fakeFleet) on(node string, fn verbFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[node] = fn
}

func (f *fakeFleet) factory(node domain.NodeDescriptor) (ports.NodeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opened.Add(1)
	h := &fakeHandle{calls: map[string]int{}, fn: f.fns[node.Name]}
	f.handles[node.Name] = h
	return h, nil
}

func (f *fakeFleet) handle(node string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[node]
}

func (f *fakeFleet) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, h := range f.handles {
		h.mu.Lock()
		n += h.total
		h.mu.Unlock()
	}
	return n
}

type fakeProber struct {
	mu          sync.Mutex
	unreachable map[string]bool
	probes      int
}

func (p *fakeProber) Probe(_ context.Context, node domain.NodeDescriptor, _ time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.probes++
	return node.Host != "" && !p.unreachable[node.Name]
}

type fakePower struct {
	mu    sync.Mutex
	calls map[string]domain.PowerAction
}

func (p *fakePower) PowerAction(_ context.Context, node domain.NodeDescriptor, action domain.PowerAction, _ time.Duration) domain.NodeOutcome {
	if node.PowerDevice == "" {
		return domain.Failed(domain.ErrNoPowerDevice, "")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]domain.PowerAction{}
	}
	p.calls[node.Name] = action
	return domain.Succeeded(string(action), domain.ContainerUnknown)
}

type fixture struct {
	disp   *dispatcher.Dispatcher
	fleet  *fakeFleet
	prober *fakeProber
	power  *fakePower
	holder *registry.Holder
}

func apoNodes() map[string]registry.SiteNodes {
	node := func(name, category, device string) domain.NodeDescriptor {
		return domain.NodeDescriptor{
			Name:            name,
			Host:            "sdss-" + name,
			RuntimeEndpoint: "tcp://sdss-" + name + ":2375",
			Category:        category,
			PowerDevice:     device,
		}
	}
	return map[string]registry.SiteNodes{
		"APO": {
			Nodes: []domain.NodeDescriptor{
				node("gfa1", "gfa", "gfa1"),
				node("gfa2", "gfa", ""),
				node("gfa3", "gfa", ""),
				node("gfa4", "gfa", ""),
				node("gfa5", "gfa", ""),
				node("gfa6", "gfa", ""),
				node("fvc", "fvc", "fvc"),
			},
			Enabled: []string{"gfa1", "gfa2"},
		},
	}
}

func newFixture(t *testing.T, opts ...dispatcher.Option) *fixture {
	t.Helper()

	reg, err := registry.New("APO", apoNodes())
	require.NoError(t, err)

	f := &fixture{
		fleet:  newFakeFleet(),
		prober: &fakeProber{unreachable: map[string]bool{}},
		power:  &fakePower{},
		holder: registry.NewHolder(reg),
	}

	opts = append([]dispatcher.Option{dispatcher.WithLogger(zerolog.Nop())}, opts...)
	f.disp, err = dispatcher.New(
		f.holder,
		f.fleet.factory,
		f.prober,
		f.power,
		domain.ContainerTemplate{NamePrefix: "flicamera", Image: "flicamera:latest"},
		opts...,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.disp.Drain(ctx)
		_ = f.disp.Close()
	})
	return f
}
