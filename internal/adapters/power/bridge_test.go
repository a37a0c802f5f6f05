package power_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sdss/fliswarm/internal/adapters/power"
	"github.com/sdss/fliswarm/internal/adapters/power/dto"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActor struct {
	mu       sync.Mutex
	paths    []string
	commands []string
	reply    func(cmd string) (int, dto.Reply)
	delay    time.Duration
}

func (a *fakeActor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := dto.Command{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	a.mu.Lock()
	a.paths = append(a.paths, r.Method+" "+r.URL.Path)
	a.commands = append(a.commands, body.Command)
	reply, delay := a.reply, a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	code, rep := http.StatusOK, dto.Reply{Status: dto.StatusDone}
	if reply != nil {
		code, rep = reply(body.Command)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

func (a *fakeActor) sent() (paths []string, commands []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.paths...), append([]string(nil), a.commands...)
}

func newBridge(t *testing.T, actor *fakeActor, commands map[domain.PowerAction]string) *power.Bridge {
	t.Helper()
	srv := httptest.NewServer(actor)
	t.Cleanup(srv.Close)
	return power.New(srv.URL, "lvmnps", commands, zerolog.Nop())
}

var gfa1 = domain.NodeDescriptor{Name: "gfa1", PowerDevice: "nuc-gfa1"}

func Test_PowerAction_Success(t *testing.T) {
	actor := &fakeActor{}
	b := newBridge(t, actor, map[domain.PowerAction]string{domain.PowerOn: "poweron"})

	out := b.PowerAction(context.Background(), gfa1, domain.PowerOn, time.Second)
	require.True(t, out.Success, out.Detail)

	out = b.PowerAction(context.Background(), gfa1, domain.PowerReboot, time.Second)
	require.True(t, out.Success, out.Detail)

	paths, commands := actor.sent()
	assert.Equal(t, []string{"POST /actors/lvmnps/commands", "POST /actors/lvmnps/commands"}, paths)
	assert.Equal(t, []string{"poweron nuc-gfa1", "cycle nuc-gfa1"}, commands)
}

func Test_Metrics_LatencyInSeconds(t *testing.T) {
	actor := &fakeActor{}
	b := newBridge(t, actor, nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(b.Metrics()...)

	out := b.PowerAction(context.Background(), gfa1, domain.PowerOn, time.Second)
	require.True(t, out.Success, out.Detail)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() != "power_bridge_handle_time_hist" {
			continue
		}
		found = true
		hist := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), hist.GetSampleCount())
		assert.Greater(t, hist.GetSampleSum(), 0.0)
		assert.Less(t, hist.GetSampleSum(), 1.0, "round trip observed in seconds")
	}
	assert.True(t, found)
}

func Test_PowerAction_NodeActor(t *testing.T) {
	actor := &fakeActor{}
	b := newBridge(t, actor, nil)

	node := domain.NodeDescriptor{Name: "fvc", PowerDevice: "fvc", PowerActor: "fvc_nps"}
	out := b.PowerAction(context.Background(), node, domain.PowerOff, time.Second)
	require.True(t, out.Success, out.Detail)

	paths, commands := actor.sent()
	assert.Equal(t, []string{"POST /actors/fvc_nps/commands"}, paths)
	assert.Equal(t, []string{"off fvc"}, commands)
}

func Test_PowerAction_NoPowerDevice(t *testing.T) {
	actor := &fakeActor{}
	b := newBridge(t, actor, nil)

	out := b.PowerAction(context.Background(), domain.NodeDescriptor{Name: "gfa2"}, domain.PowerOff, time.Second)
	assert.False(t, out.Success)
	assert.True(t, out.Is(domain.ErrNoPowerDevice))
	_, commands := actor.sent()
	assert.Empty(t, commands)
}

func Test_PowerAction_Failed(t *testing.T) {
	actor := &fakeActor{reply: func(string) (int, dto.Reply) {
		return http.StatusOK, dto.Reply{Status: dto.StatusFailed, Message: "outlet locked"}
	}}
	b := newBridge(t, actor, nil)

	out := b.PowerAction(context.Background(), gfa1, domain.PowerOff, time.Second)
	assert.True(t, out.Is(domain.ErrCommandFailed))
	assert.Contains(t, out.Detail, "outlet locked")
	_, commands := actor.sent()
	assert.Len(t, commands, 1, "no internal retry")
}

func Test_PowerAction_NonOK(t *testing.T) {
	actor := &fakeActor{reply: func(string) (int, dto.Reply) {
		return http.StatusInternalServerError, dto.Reply{Status: dto.StatusFailed}
	}}
	b := newBridge(t, actor, nil)

	out := b.PowerAction(context.Background(), gfa1, domain.PowerOff, time.Second)
	assert.True(t, out.Is(domain.ErrCommandFailed))
}

func Test_PowerAction_Timeout(t *testing.T) {
	actor := &fakeActor{delay: time.Second}
	b := newBridge(t, actor, nil)

	out := b.PowerAction(context.Background(), gfa1, domain.PowerReboot, 50*time.Millisecond)
	assert.True(t, out.Is(domain.ErrTimeout))
	assert.Equal(t, "timeout", out.Detail)
}

func Test_PowerAction_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b := power.New(url, "lvmnps", nil, zerolog.Nop())
	out := b.PowerAction(context.Background(), gfa1, domain.PowerOn, time.Second)
	assert.True(t, out.Is(domain.ErrNodeUnreachable))
}
