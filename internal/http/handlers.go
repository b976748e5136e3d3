package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"crmgate/internal/backend"
	"crmgate/internal/config"
	"crmgate/internal/gateway"
	"crmgate/internal/metrics"
	"crmgate/internal/model"
	"crmgate/internal/policy"
	"crmgate/internal/registry"
	"crmgate/internal/store"
)

// Prober verifies backend connectivity and credentials before a request is
// served, surfacing a distinguishable "backend unavailable" condition.
type Prober interface {
	Probe(ctx context.Context) error
}

// parseScopedRequest normalizes the transport parameters into the core's
// request model. filters, includeFields, and payload arrive JSON-encoded
// in query parameters, matching the historical calling convention.
func parseScopedRequest(c *fiber.Ctx) (model.ScopedRequest, error) {
	req := model.ScopedRequest{
		Entity:    c.Query("endpoint"),
		Operation: model.OperationKind(c.Query("type")),
	}

	if raw := c.Query("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid id %q", raw)
		}
		req.RecordID = id
	}
	if raw := c.Query("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filters); err != nil {
			return req, fmt.Errorf("invalid filters: %w", err)
		}
	}
	if raw := c.Query("includeFields"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.IncludeFields); err != nil {
			return req, fmt.Errorf("invalid includeFields: %w", err)
		}
	}
	if raw := c.Query("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			return req, fmt.Errorf("invalid payload: %w", err)
		}
	}

	return req, nil
}

// decision carries per-request identity for terminal responses so every
// path records the same metrics, decision-log row, and log line shape.
type decision struct {
	c      *fiber.Ctx
	st     *store.Store
	logger *slog.Logger

	tenant   string
	tenantID int64
	entity   string
	op       string
}

func (d *decision) refuse(status int, code, callerMsg, logMsg string, level slog.Level) error {
	outcome := strings.ToLower(code)
	metrics.RecordDecision(d.entity, d.op, outcome)
	if d.logger != nil {
		d.logger.Log(d.c.Context(), level, logMsg,
			"entity", d.entity,
			"operation", d.op,
			"tenant", d.tenant,
			"status", status,
		)
	}
	recordDecision(d.c, d.st, store.Decision{
		Tenant:    d.tenant,
		TenantID:  d.tenantID,
		Entity:    d.entity,
		Operation: d.op,
		Outcome:   outcome,
		Status:    status,
	})
	return d.c.Status(status).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   callerMsg,
	})
}

func (d *decision) succeed() {
	metrics.RecordDecision(d.entity, d.op, "success")
	recordDecision(d.c, d.st, store.Decision{
		Tenant:    d.tenant,
		TenantID:  d.tenantID,
		Entity:    d.entity,
		Operation: d.op,
		Outcome:   "success",
		Status:    fiber.StatusOK,
	})
}

// gatewayHandler serves one scoped operation: allowlist check, credential
// resolution, optional backend probe, then tenant-scoped execution. Every
// path is terminal; there is no retry within a single request.
func gatewayHandler(c *fiber.Ctx) error {
	cfg, _ := c.Locals("config").(*config.Config)
	snap, _ := c.Locals("registry").(*registry.Snapshot)
	eng, _ := c.Locals("engine").(*gateway.Engine)
	st, _ := c.Locals("store").(*store.Store)
	probe, _ := c.Locals("probe").(Prober)
	logger, _ := c.Locals("logger").(*slog.Logger)

	req, parseErr := parseScopedRequest(c)
	d := &decision{c: c, st: st, logger: logger, entity: req.Entity, op: string(req.Operation)}
	if parseErr != nil {
		return d.refuse(fiber.StatusBadRequest, "BAD_REQUEST",
			"Invalid request parameters.", parseErr.Error(), slog.LevelInfo)
	}

	// The allowlist gate runs before credential resolution and before any
	// backend call, so junk routes never generate backend load or leak
	// backend errors.
	if err := policy.Check(req.Entity, req.Operation); err != nil {
		switch {
		case errors.Is(err, policy.ErrNotImplemented):
			return d.refuse(fiber.StatusNotImplemented, "NOT_IMPLEMENTED",
				fmt.Sprintf("The '%s' endpoint type has not been implemented yet.", req.Operation),
				fmt.Sprintf("request refused: endpoint %q type %q is not implemented", req.Entity, req.Operation),
				slog.LevelInfo)
		case errors.Is(err, policy.ErrUnknownEntity):
			return d.refuse(fiber.StatusMethodNotAllowed, "NOT_ALLOWED",
				fmt.Sprintf("That endpoint (%s) is not allowed.", req.Entity),
				fmt.Sprintf("request refused for endpoint %q", req.Entity),
				slog.LevelInfo)
		default:
			return d.refuse(fiber.StatusMethodNotAllowed, "NOT_ALLOWED",
				fmt.Sprintf("That endpoint type (%s, %s) is not allowed.", req.Entity, req.Operation),
				fmt.Sprintf("request refused for endpoint %q with type %q", req.Entity, req.Operation),
				slog.LevelInfo)
		}
	}

	cred := credentialFromRequest(c)
	tenantID, err := snap.Resolve(cred)
	if name, ok := snap.TenantName(cred); ok {
		d.tenant = name
	}
	if err != nil {
		if errors.Is(err, registry.ErrTenantNotFound) {
			// Configuration defect, not a client error: the key is bound
			// to a tenant name missing from the directory.
			return d.refuse(fiber.StatusUnauthorized, "UNAUTHENTICATED",
				"Tenant not found for key.",
				"api key is bound to a tenant absent from the directory",
				slog.LevelError)
		}
		return d.refuse(fiber.StatusUnauthorized, "UNAUTHENTICATED",
			"That API key could not be validated.",
			"api key could not be validated",
			slog.LevelInfo)
	}
	d.tenantID = tenantID

	if cfg != nil && cfg.Backend.ProbeOnRequest && probe != nil {
		if err := probe.Probe(c.Context()); err != nil {
			logMsg := "backend connectivity probe failed: " + err.Error()
			if errors.Is(err, backend.ErrUnauthorized) {
				logMsg = "backend integration credentials rejected: " + err.Error()
			}
			return d.refuse(fiber.StatusBadRequest, "BACKEND_UNAVAILABLE",
				"The client API is not currently working.", logMsg, slog.LevelError)
		}
	}

	env, err := eng.Execute(c.Context(), tenantID, req)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrForbidden):
			return d.refuse(fiber.StatusForbidden, "FORBIDDEN",
				fmt.Sprintf("Access was denied for %s request to '%s'.", req.Operation, req.Entity),
				"request target is not part of the allowed organization",
				slog.LevelWarn)
		case errors.Is(err, gateway.ErrBadPayload):
			return d.refuse(fiber.StatusMethodNotAllowed, "BAD_PAYLOAD",
				"Bad payload sent.", err.Error(), slog.LevelInfo)
		case errors.Is(err, policy.ErrNotImplemented):
			return d.refuse(fiber.StatusNotImplemented, "NOT_IMPLEMENTED",
				fmt.Sprintf("The '%s' endpoint type has not been implemented yet.", req.Operation),
				err.Error(), slog.LevelInfo)
		case errors.Is(err, backend.ErrUnauthorized):
			return d.refuse(fiber.StatusBadRequest, "BACKEND_UNAVAILABLE",
				"The client API is not currently working.", err.Error(), slog.LevelError)
		default:
			return d.refuse(fiber.StatusBadRequest, "BACKEND_ERROR",
				"The client API request failed.", err.Error(), slog.LevelError)
		}
	}

	d.succeed()
	if env == nil {
		env = &model.Envelope{}
	}
	return c.JSON(env)
}
