package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk-engine/internal/auth"
	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
	"github.com/spec-kit/helpdesk-engine/internal/outbox"
	"github.com/spec-kit/helpdesk-engine/internal/service"
	"github.com/spec-kit/helpdesk-engine/internal/testutil/memstore"
)

var epoch = time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type noChain struct{}

func (noChain) NextTarget(context.Context, string, string, int) (*domain.AssignmentTarget, error) {
	return nil, nil
}

type testServer struct {
	app    *fiber.App
	store  *memstore.Store
	clock  *clock.FakeClock
	tokens *auth.TokenManager
}

func newTestServer(t *testing.T, ready error) *testServer {
	store := memstore.New()
	clk := clock.Fake(epoch)
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	tokens := auth.NewTokenManager("router-test-secret", 5)

	tickets := service.NewTicketService(service.TicketDependencies{Transactor: store, Clock: clk, Logger: logger})
	transitions := service.NewTransitionService(service.TransitionDependencies{Transactor: store, Clock: clk, Logger: logger, Metrics: metrics})
	escalations := service.NewEscalationService(service.EscalationDependencies{
		Transactor: store,
		Resolver:   noChain{},
		Policy:     service.EscalationPolicy{InactivityDays: 7, CooldownDays: 2},
		Clock:      clk,
		Logger:     logger,
	})
	queue := outbox.NewQueue(store, clk, outbox.Options{}, logger)
	dispatcher := events.NewDispatcher(queue, time.Second, logger, metrics)
	dispatcher.Subscribe(domain.EventTicketCreated, func(context.Context, *domain.OutboxEvent) error { return nil })

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health: handlers.NewHealthHandler("helpdesk-engine", "test", map[string]handlers.Pinger{
			"postgres": pingFunc(func(context.Context) error { return ready }),
		}),
		Tickets:        handlers.NewTicketsHandler(tickets, transitions, clk),
		Ops:            handlers.NewOpsHandler(escalations, dispatcher, queue, 10, 3),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Metrics:        metrics,
	})
	return &testServer{app: app, store: store, clock: clk, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path string, caller *domain.Caller, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if caller != nil {
		token, _, err := s.tokens.GenerateToken(*caller)
		require.NoError(t, err)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func data(body map[string]any) map[string]any {
	d, _ := body["data"].(map[string]any)
	return d
}

var (
	studentCaller = domain.Caller{ID: "stu-1", Role: domain.RoleStudent}
	adminCaller   = domain.Caller{ID: "adm-1", Role: domain.RoleAdmin}
	superCaller   = domain.Caller{ID: "sup-1", Role: domain.RoleSuperAdmin}
	systemCaller  = domain.Caller{ID: "cron", Role: domain.RoleSystem}
)

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	status, body := s.do(t, fiber.MethodGet, "/health/live", nil, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = s.do(t, fiber.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, _ = s.do(t, fiber.MethodGet, "/metrics", nil, "")
	assert.Equal(t, fiber.StatusOK, status)

	down := newTestServer(t, errors.New("connection refused"))
	status, body = down.do(t, fiber.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", errorCode(body))
}

func TestTicketEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, fiber.MethodPost, "/tickets", nil, `{"title":"x","category":"it"}`)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = s.do(t, fiber.MethodPost, "/tickets", &studentCaller, `{"category":"it"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body = s.do(t, fiber.MethodPost, "/tickets", &studentCaller, `{"title":"Wifi down","category":"Network","location":"Library"}`)
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, "open", data(body)["status"])
	assert.EqualValues(t, 1, data(body)["id"])

	status, body = s.do(t, fiber.MethodGet, "/tickets/1", &domain.Caller{ID: "stu-2", Role: domain.RoleStudent}, "")
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "PERMISSION_DENIED", errorCode(body))

	status, _ = s.do(t, fiber.MethodGet, "/tickets/abc", &adminCaller, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = s.do(t, fiber.MethodGet, "/tickets/99", &adminCaller, "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = s.do(t, fiber.MethodPost, "/tickets/1/status", &studentCaller, `{"status":"reopened"}`)
	assert.Equal(t, fiber.StatusForbidden, status)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "student-reopen-own", details["rule"])

	status, body = s.do(t, fiber.MethodPost, "/tickets/1/status", &adminCaller, `{"status":"bogus"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = s.do(t, fiber.MethodPost, "/tickets/1/status", &adminCaller, `{"status":"closed"}`)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "resolved", data(body)["status"])
	assert.Equal(t, "adm-1", data(body)["assigned_to"])

	status, body = s.do(t, fiber.MethodPost, "/tickets/1/status", &studentCaller, `{"status":"reopened"}`)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.EqualValues(t, 1, data(body)["reopen_count"])

	status, body = s.do(t, fiber.MethodPost, "/tickets/1/comments", &studentCaller, `{"body":"still broken"}`)
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Len(t, data(body)["comments"], 1)

	status, _ = s.do(t, fiber.MethodPut, "/tickets/1/tat", &studentCaller, `{"tat":"24h","tat_date":"2024-09-03T09:00:00Z"}`)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = s.do(t, fiber.MethodPut, "/tickets/1/tat", &adminCaller, `{"tat":"24h","tat_date":"2024-09-03T09:00:00Z"}`)
	require.Equal(t, fiber.StatusOK, status, body)
	tat := data(body)["tat"].(map[string]any)
	assert.Equal(t, "24h", tat["label"])
	assert.Equal(t, false, tat["paused"])
}

func TestOpsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.SeedTicket(domain.Ticket{
		Title: "Stale", Status: domain.TicketStatusOpen, CreatedBy: "stu-1", Category: "it",
		CreatedAt: epoch.Add(-10 * 24 * time.Hour), UpdatedAt: epoch.Add(-10 * 24 * time.Hour),
	})

	status, _ := s.do(t, fiber.MethodPost, "/ops/escalations/run", &adminCaller, "")
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := s.do(t, fiber.MethodPost, "/ops/escalations/run", &systemCaller, "")
	require.Equal(t, fiber.StatusOK, status, body)
	assert.EqualValues(t, 1, data(body)["escalatedCount"])

	status, body = s.do(t, fiber.MethodPost, "/ops/escalations/run", &superCaller, `{"inactivity_days":-1}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	// the escalation event has no subscriber and fails
	status, body = s.do(t, fiber.MethodPost, "/ops/outbox/dispatch", &superCaller, `{"max_events":5}`)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.EqualValues(t, 1, data(body)["processed"])
	assert.EqualValues(t, 1, data(body)["failed"])

	status, body = s.do(t, fiber.MethodGet, "/ops/outbox/stuck?min_attempts=1", &superCaller, "")
	require.Equal(t, fiber.StatusOK, status)
	items := body["data"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "ticket.escalated", item["event_type"])
	assert.NotNil(t, item["next_retry_at"])

	status, _ = s.do(t, fiber.MethodPost, "/ops/outbox/1/requeue", &superCaller, "")
	assert.Equal(t, fiber.StatusNoContent, status)
	assert.Nil(t, s.store.Event(1).NextRetryAt)

	status, body = s.do(t, fiber.MethodPost, "/ops/outbox/42/requeue", &superCaller, "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	status, body := s.do(t, fiber.MethodGet, "/nope", nil, "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}
