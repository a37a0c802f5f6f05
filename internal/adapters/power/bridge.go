// Package power delegates hard power actions to the external power actor.
package power

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sdss/fliswarm/internal/adapters/power/dto"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
)

var _ ports.PowerController = &Bridge{}

// DefaultCommands maps power actions to power actor commands.
var DefaultCommands = map[domain.PowerAction]string{
	domain.PowerReboot: "cycle",
	domain.PowerOn:     "on",
	domain.PowerOff:    "off",
}

// Bridge implements ports.PowerController through the power actor.
type Bridge struct {
	cl       *resty.Client
	actor    string
	commands map[domain.PowerAction]string
	metrics  *metrics
	logger   zerolog.Logger
}

// New creates a bridge sending commands to actor through the command
// endpoint. Actions missing from commands fall back to DefaultCommands.
func New(
	endpoint string,
	actor string,
	commands map[domain.PowerAction]string,
	logger zerolog.Logger,
) *Bridge {
	merged := make(map[domain.PowerAction]string, len(DefaultCommands))
	for action, cmd := range DefaultCommands {
		merged[action] = cmd
	}
	for action, cmd := range commands {
		if cmd != "" {
			merged[action] = cmd
		}
	}

	return &Bridge{
		actor:    actor,
		commands: merged,
		metrics:  newMetrics(),
		logger:   logger,
		cl: resty.New().
			SetBaseURL(endpoint).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(0),
	}
}

func (b *Bridge) Metrics() []prometheus.Collector {
	return b.metrics.list()
}

// PowerAction sends one power command for the node's device and waits for
// the acknowledgment. The node's own power actor, if any, replaces the
// default one. There is no retry here.
func (b *Bridge) PowerAction(
	ctx context.Context,
	node domain.NodeDescriptor,
	action domain.PowerAction,
	timeout time.Duration,
) domain.NodeOutcome {
	if node.PowerDevice == "" {
		return domain.Failed(domain.ErrNoPowerDevice, "")
	}

	cmd, found := b.commands[action]
	if !found {
		return domain.Failed(domain.ErrCommandFailed, fmt.Sprintf("no command for power action %q", action))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actor := lo.CoalesceOrEmpty(node.PowerActor, b.actor)
	line := cmd + " " + node.PowerDevice
	reply, err := b.send(ctx, actor, line)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTimeout):
			return domain.Failed(domain.ErrTimeout, "")
		case errors.Is(err, domain.ErrCommandFailed):
			return domain.Failed(domain.ErrCommandFailed, err.Error())
		default:
			return domain.Failed(domain.ErrNodeUnreachable, err.Error())
		}
	}

	b.logger.Info().
		Str("node", node.Name).
		Str("actor", actor).
		Str("command", line).
		Msg("power command acknowledged")

	detail := reply.Message
	if detail == "" {
		detail = string(action)
	}
	return domain.Succeeded(detail, domain.ContainerUnknown)
}

func (b *Bridge) send(ctx context.Context, actor string, line string) (res dto.Reply, resErr error) {
	b.logger.Debug().Str("actor", actor).Str("command", line).Msg("sending power command")
	defer func(ts time.Time) {
		b.metrics.requestsCnt.Inc()
		b.metrics.handleTimeHist.Observe(time.Since(ts).Seconds())

		switch resErr {
		case nil:
			b.metrics.successProcessCnt.Inc()
		default:
			b.metrics.errProcessCnt.Inc()
		}
	}(time.Now())

	resp, err := b.cl.R().
		SetContext(ctx).
		SetPathParam("actor", actor).
		SetBody(dto.Command{Command: line}).
		Post("/actors/{actor}/commands")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return dto.Reply{}, fmt.Errorf("%w: executing request: %w", domain.ErrTimeout, err)
		}
		return dto.Reply{}, fmt.Errorf("executing request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted:
		break
	default:
		return dto.Reply{}, fmt.Errorf("%w: got non-ok response (%s): %s", domain.ErrCommandFailed, resp.Status(), resp.String())
	}

	reply := dto.Reply{}
	if err := json.Unmarshal(resp.Body(), &reply); err != nil {
		return dto.Reply{}, fmt.Errorf("unmarshaling json: %w", err)
	}

	if !reply.Done() {
		return dto.Reply{}, fmt.Errorf("%w: power actor replied %q: %s", domain.ErrCommandFailed, reply.Status, reply.Message)
	}

	return reply, nil
}
