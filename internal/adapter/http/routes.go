package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/middleware"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/service"
)

// Handlers bundles the services the router dispatches into.
type Handlers struct {
	Store        database.Store
	Registry     *service.RegistryService
	Allocator    *service.PortAllocator
	Locks        *service.LockService
	Messaging    *service.Messaging
	Health       *service.HealthProber
	Agents       *service.AgentService
	Sessions     *service.SessionService
	Activity     *service.ActivityService
	Webhooks     *service.WebhookService
	Resurrection *service.ResurrectionService

	Cfg       *config.Config
	Version   string
	CodeHash  string
	StartedAt time.Time
	PID       int
}

// NewRouter builds the daemon's router: panic recovery, request ids, the
// per-IP rate limit, then the wire protocol's routes.
func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)

	rl := middleware.NewRateLimiter(
		float64(h.Cfg.RateLimit.PerIPPerMinute)/60.0,
		h.Cfg.RateLimit.PerIPPerMinute,
	)
	rl.StartCleanup(h.Cfg.RateLimit.CleanupInterval, h.Cfg.RateLimit.MaxIdleTime)
	r.Use(rl.Handler)

	// Service leases
	r.Post("/claim", h.Claim)
	r.Delete("/release", h.Release)
	r.Get("/services", h.FindServices)
	r.Get("/services/{id}", h.GetService)
	r.Put("/services/{id}/endpoints/{env}", h.SetEndpoint)
	r.Post("/ports/cleanup", h.CleanupPorts)
	r.Get("/ports/active", h.ActivePorts)

	// Locks
	r.Get("/locks", h.ListLocks)
	r.Post("/locks/{name}", h.AcquireLock)
	r.Delete("/locks/{name}", h.ReleaseLock)
	r.Get("/locks/{name}", h.GetLock)
	r.Put("/locks/{name}", h.ExtendLock)

	// Messaging
	r.Post("/msg/{channel}", h.Publish)
	r.Get("/msg/{channel}", h.GetMessages)
	r.Get("/msg/{channel}/poll", h.PollMessages)
	r.Get("/msg/{channel}/subscribe", h.SubscribeSSE)

	// Agents
	r.Post("/agents", h.RegisterAgent)
	r.Get("/agents", h.ListAgents)
	r.Post("/agents/{id}/heartbeat", h.AgentHeartbeat)
	r.Delete("/agents/{id}", h.UnregisterAgent)

	// Sessions, notes, file claims
	r.Post("/sessions", h.StartSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Put("/sessions/{id}", h.EndSession)
	r.Delete("/sessions/{id}", h.RemoveSession)
	r.Post("/sessions/{id}/notes", h.AddNote)
	r.Post("/sessions/{id}/files", h.ClaimFiles)
	r.Delete("/sessions/{id}/files", h.ReleaseFiles)
	r.Post("/notes", h.QuickNote)
	r.Get("/files/conflicts", h.FileConflicts)

	// Health waits
	r.Get("/wait/{id}", h.WaitFor)
	r.Post("/wait", h.WaitForAll)

	// Webhooks
	r.Post("/webhooks", h.RegisterWebhook)
	r.Post("/webhooks/{id}/test", h.TestWebhook)

	// Resurrection
	r.Get("/resurrection", h.ListResurrection)
	r.Get("/resurrection/pending", h.PendingResurrection)
	r.Post("/resurrection/claim/{id}", h.ClaimResurrection)
	r.Post("/resurrection/complete/{id}", h.CompleteResurrection)
	r.Post("/resurrection/abandon/{id}", h.AbandonResurrection)
	r.Delete("/resurrection/{id}", h.DismissResurrection)

	// Projects (persisted for the scanner front-end)
	r.Get("/projects", h.ListProjects)
	r.Get("/projects/{id}", h.GetProject)
	r.Put("/projects/{id}", h.UpsertProject)

	// Activity
	r.Get("/activity", h.RecentActivity)
	r.Get("/activity/summary", h.ActivitySummary)

	// System
	r.Get("/version", h.VersionInfo)
	r.Get("/health", h.DaemonHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
