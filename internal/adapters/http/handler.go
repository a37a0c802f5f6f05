package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/ports"
)

// FleetHandler serves the fleet command API over a ports.FleetService.
type FleetHandler struct {
	service ports.FleetService
	logger  zerolog.Logger
}

func NewFleetHandler(service ports.FleetService, logger zerolog.Logger) *FleetHandler {
	return &FleetHandler{
		service: service,
		logger:  logger.With().Str("scope", "http").Logger(),
	}
}

// Register mounts the fleet routes under /api/v1.
func (h *FleetHandler) Register(app *fiber.App) {
	v1 := app.Group("/api").Group("/v1")

	v1.Post("/fleet/:kind", h.Execute)

	nodes := v1.Group("/nodes")
	nodes.Get("/", h.ListNodes)
	nodes.Post("/enable", h.Enable)
	nodes.Post("/disable", h.Disable)
}

// NodeList accepts either a JSON array of names or a single comma-separated
// string.
type NodeList []string

func (l *NodeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return errors.New("nodes must be a string or a list of strings")
	}
	*l = []string{single}
	return nil
}

type ExecuteRequest struct {
	Nodes    NodeList `json:"nodes"`
	Category string   `json:"category"`
	Force    bool     `json:"force"`
	Timeout  string   `json:"timeout"`
}

type OutcomeResponse struct {
	Success   bool   `json:"success"`
	Detail    string `json:"detail"`
	Error     string `json:"error,omitempty"`
	Elapsed   string `json:"elapsed"`
	Container string `json:"container,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Attempts  int    `json:"attempts"`
}

type FleetResponse struct {
	OperationID string                     `json:"operation_id"`
	Kind        string                     `json:"kind"`
	OK          bool                       `json:"ok"`
	Failed      []string                   `json:"failed"`
	Outcomes    map[string]OutcomeResponse `json:"outcomes"`
}

type EnableRequest struct {
	Names NodeList `json:"names"`
	All   bool     `json:"all"`
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func (h *FleetHandler) Execute(c *fiber.Ctx) error {
	kind, err := domain.ParseKind(c.Params("kind"))
	if err != nil {
		return badRequest(c, err)
	}

	var req ExecuteRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, fmt.Errorf("invalid request body: %w", err))
		}
	}

	var timeout time.Duration
	if req.Timeout != "" {
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil || timeout <= 0 {
			return badRequest(c, fmt.Errorf("invalid timeout %q", req.Timeout))
		}
	}

	res, err := h.service.Execute(c.UserContext(), domain.Operation{
		Kind:     kind,
		Nodes:    req.Nodes,
		Category: req.Category,
		Force:    req.Force,
		Timeout:  timeout,
	})
	if err != nil {
		if domain.IsRequestError(err) {
			return badRequest(c, err)
		}
		h.logger.Error().Err(fmt.Errorf("executing %s: %w", kind, err)).Send()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fleetResponse(res))
}

func fleetResponse(res domain.FleetResult) FleetResponse {
	failed := res.Failed()
	if failed == nil {
		failed = []string{}
	}

	return FleetResponse{
		OperationID: res.OperationID,
		Kind:        string(res.Kind),
		OK:          res.OK(),
		Failed:      failed,
		Outcomes: lo.MapValues(res.Outcomes, func(o domain.NodeOutcome, _ string) OutcomeResponse {
			out := OutcomeResponse{
				Success:   o.Success,
				Detail:    o.Detail,
				Elapsed:   o.Elapsed.String(),
				Container: string(o.Container),
				Degraded:  o.Degraded,
				Attempts:  o.Attempts,
			}
			if o.Err != nil {
				out.Error = o.Err.Error()
			}
			return out
		}),
	}
}

func (h *FleetHandler) ListNodes(c *fiber.Ctx) error {
	return c.JSON(h.service.Nodes())
}

func (h *FleetHandler) Enable(c *fiber.Ctx) error {
	return h.setEnabled(c, true)
}

func (h *FleetHandler) Disable(c *fiber.Ctx) error {
	return h.setEnabled(c, false)
}

func (h *FleetHandler) setEnabled(c *fiber.Ctx, enabled bool) error {
	var req EnableRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, fmt.Errorf("invalid request body: %w", err))
	}

	if err := h.service.SetEnabled(req.Names, req.All, enabled); err != nil {
		return badRequest(c, err)
	}

	h.logger.Info().
		Strs("names", req.Names).
		Bool("all", req.All).
		Bool("enabled", enabled).
		Msg("enabled set changed")

	return c.JSON(h.service.Nodes())
}
