// reconcile.go — сервис сверки (reconciliation) реестра пинов
// с фактическим pin set IPFS-демона.
//
// Сверка сравнивает ListPins() демона с pinned-записями реестра:
//   - CID закреплён на демоне, но отсутствует в реестре →
//     принимается как pinned-запись с именем "unknown";
//   - запись числится pinned, но CID на демоне не закреплён →
//     переводится в failed и попадает в отчёт.
//
// Это механизм самовосстановления после падения сервиса или
// pin/unpin, выполненного мимо него (ipfs pin add/rm вручную).
//
// Запускается как горутина с периодическим тикером
// (BUNKER_RECONCILE_INTERVAL) и по требованию через API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bunker/internal/domain/model"
	"github.com/bigkaa/bunker/internal/repository"
)

// Prometheus-метрики сверки.
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bunker_reconcile_runs_total",
		Help: "Общее количество запусков сверки реестра с демоном.",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bunker_reconcile_issues_total",
		Help: "Количество расхождений, обнаруженных сверкой (по типу).",
	}, []string{"type"}) // type: adopted, lost

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bunker_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ErrReconcileInProgress — сверка уже выполняется; параллельный запуск
// не имеет смысла и пропускается.
var ErrReconcileInProgress = errors.New("сверка уже выполняется")

// ReconcileService — сервис сверки реестра с pin set демона.
type ReconcileService struct {
	node     NodeClient
	repo     repository.PinRepository
	cache    *CacheService
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool

	// reconciled — была ли хоть одна успешная сверка с момента старта.
	// До первой сверки List выполняет best-effort сверку синхронно.
	reconciled atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconcileService создаёт сервис сверки. cache может быть nil.
func NewReconcileService(
	node NodeClient,
	repo repository.PinRepository,
	cache *CacheService,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		node:     node,
		repo:     repo,
		cache:    cache,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину с периодической сверкой.
// Вызывается один раз при старте приложения.
func (s *ReconcileService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическая сверка запущена",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическая сверка остановлена")
				return
			case <-ticker.C:
				report, err := s.ReconcileOnce(ctx)
				switch {
				case errors.Is(err, ErrReconcileInProgress):
					// Предыдущая сверка ещё идёт
				case err != nil:
					s.logger.Error("Ошибка периодической сверки",
						slog.String("error", err.Error()),
					)
				default:
					s.logger.Info("Периодическая сверка завершена",
						slog.String("run_id", report.ID),
						slog.Int("adopted", len(report.Adopted)),
						slog.Int("lost", len(report.Lost)),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ReconcileService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Reconciled возвращает true, если с момента старта была
// хотя бы одна успешная сверка.
func (s *ReconcileService) Reconciled() bool {
	return s.reconciled.Load()
}

// ReconcileOnce выполняет одну сверку и возвращает отчёт о расхождениях.
// Одновременно выполняется не более одной сверки: параллельный вызов
// получает ErrReconcileInProgress.
func (s *ReconcileService) ReconcileOnce(ctx context.Context) (*model.ReconcileReport, error) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		return nil, ErrReconcileInProgress
	}
	s.inProcess = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	reconcileRunsTotal.Inc()
	startedAt := time.Now().UTC()

	report := &model.ReconcileReport{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
	}

	// Фактический pin set демона
	nodePins, err := s.node.ListPins(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение pin set демона: %w", err)
	}
	report.NodePins = len(nodePins)

	// Локальное представление
	localPinned, err := s.repo.ListByState(ctx, model.StatePinned)
	if err != nil {
		return nil, fmt.Errorf("получение pinned-записей реестра: %w", err)
	}
	report.LocalPinned = len(localPinned)

	localSet := make(map[string]struct{}, len(localPinned))
	for _, rec := range localPinned {
		localSet[rec.CID] = struct{}{}
	}

	// Закреплено на демоне, отсутствует локально → принять
	for cid := range nodePins {
		if _, ok := localSet[cid]; ok {
			continue
		}
		if err := s.adopt(ctx, cid); err != nil {
			return nil, err
		}
		report.Adopted = append(report.Adopted, cid)
		reconcileIssuesTotal.WithLabelValues("adopted").Inc()
	}

	// Числится pinned локально, на демоне отсутствует → failed
	for _, rec := range localPinned {
		if _, ok := nodePins[rec.CID]; ok {
			continue
		}
		if err := s.repo.SetState(ctx, rec.CID, model.StateFailed); err != nil {
			return nil, fmt.Errorf("перевод потерянной записи %s в failed: %w", rec.CID, err)
		}
		s.invalidate(rec.CID)
		report.Lost = append(report.Lost, rec.CID)
		reconcileIssuesTotal.WithLabelValues("lost").Inc()

		s.logger.Warn("Запись числилась pinned, но на демоне pin отсутствует",
			slog.String("cid", rec.CID),
			slog.String("name", rec.Name),
		)
	}

	report.DurationMS = time.Since(startedAt).Milliseconds()
	reconcileDuration.Observe(time.Since(startedAt).Seconds())
	s.reconciled.Store(true)

	return report, nil
}

// adopt переводит CID, закреплённый на демоне мимо реестра,
// в pinned-запись. Существующая requested/failed-запись этого CID
// просто переводится в pinned, её имя сохраняется.
func (s *ReconcileService) adopt(ctx context.Context, cid string) error {
	existing, err := s.repo.GetByCID(ctx, cid)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		rec := &model.PinRecord{
			CID:   cid,
			Name:  model.AdoptedName,
			State: model.StatePinned,
		}
		if err := s.repo.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("принятие внешнего pin %s: %w", cid, err)
		}
	case err != nil:
		return fmt.Errorf("чтение записи %s при сверке: %w", cid, err)
	default:
		// Демон подтверждает pin — запись становится pinned
		if existing.State != model.StatePinned {
			if err := s.repo.SetState(ctx, cid, model.StatePinned); err != nil {
				return fmt.Errorf("подтверждение pin %s при сверке: %w", cid, err)
			}
		}
	}

	s.invalidate(cid)
	s.logger.Info("Внешний pin принят в реестр", slog.String("cid", cid))
	return nil
}

// invalidate убирает запись из кэша после мутации.
func (s *ReconcileService) invalidate(cid string) {
	if s.cache != nil {
		s.cache.Delete(cid)
	}
}
