// handler.go — основной обработчик HTTP API Bunker.
// Разбирает запросы, делегирует в сервисный слой и транслирует
// ошибки ядра в транспортные статус-коды.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/bunker/internal/api/errors"
	"github.com/bigkaa/bunker/internal/ipfs"
	"github.com/bigkaa/bunker/internal/repository"
	"github.com/bigkaa/bunker/internal/service"
)

// APIHandler — основной обработчик API Bunker.
type APIHandler struct {
	manager     *service.PinManager
	reconciler  *service.ReconcileService
	health      *HealthHandler
	maxFileSize int64
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	manager *service.PinManager,
	reconciler *service.ReconcileService,
	health *HealthHandler,
	maxFileSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		manager:     manager,
		reconciler:  reconciler,
		health:      health,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// RegisterRoutes регистрирует маршруты API на роутере.
// Пути /api/v2/* совместимы с клиентом bunkerctl.
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)

	r.Route("/api/v2", func(r chi.Router) {
		r.Post("/add", h.AddPins)
		r.Get("/pins", h.ListPins)
		r.Post("/unpin", h.Unpin)
		r.Get("/pins/{cid}", h.GetPin)
		r.Post("/pins/{cid}/retry", h.RetryPin)
		r.Post("/reconcile", h.Reconcile)
	})

	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)
}

// writeServiceError транслирует ошибки ядра в HTTP-ответы.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	var partial *service.PartialPinError
	if errors.As(err, &partial) {
		apierrors.PartialPin(w, partial.Error(), partial.Record)
		return
	}

	var daemonErr *ipfs.DaemonError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, repository.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, repository.ErrInvalidTransition):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrReconcileInProgress):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, ipfs.ErrDaemonUnreachable):
		apierrors.DaemonUnavailable(w, err.Error())
	case errors.As(err, &daemonErr):
		apierrors.DaemonError(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка API", slog.String("error", err.Error()))
		apierrors.InternalError(w, err.Error())
	}
}
