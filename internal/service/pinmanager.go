// pinmanager.go — ядро Bunker: согласованность локального реестра
// пинов и pin set IPFS-демона.
//
// Инварианты:
//   - запись достигает pinned только после подтверждения демоном
//     и объекта, и его pin;
//   - операции над одним CID сериализуются таблицей блокировок;
//   - каждая операция безопасна для повтора.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bunker/internal/domain/model"
	"github.com/bigkaa/bunker/internal/ipfs"
	"github.com/bigkaa/bunker/internal/repository"
)

// Prometheus-метрики операций над пинами.
var (
	pinOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bunker_pin_operations_total",
		Help: "Общее количество операций над пинами (по операции и результату).",
	}, []string{"operation", "status"}) // operation: add, remove, retry; status: ok, partial, error

	pinOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bunker_pin_operation_duration_seconds",
		Help:    "Длительность операций над пинами в секундах.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"operation"})
)

// NodeClient — контракт клиента IPFS-демона, используемый сервисным слоем.
// Реализуется ipfs.Client; в тестах подменяется детерминированным дублёром.
type NodeClient interface {
	// Add загружает содержимое без pin и возвращает CID
	Add(ctx context.Context, name string, content io.Reader) (*ipfs.AddResult, error)
	// Pin закрепляет CID
	Pin(ctx context.Context, cid string) error
	// Unpin снимает pin; "not pinned" возвращается как ipfs.ErrNotPinned
	Unpin(ctx context.Context, cid string) error
	// ListPins возвращает множество закреплённых CID
	ListPins(ctx context.Context) (map[string]struct{}, error)
}

// PartialPinError — содержимое добавлено на демон, но pin не удался.
// Несёт частичную запись (state=failed), чтобы вызывающий код мог
// повторить только pin, не загружая содержимое заново.
type PartialPinError struct {
	Record *model.PinRecord
	Err    error
}

func (e *PartialPinError) Error() string {
	return fmt.Sprintf("содержимое %s добавлено, но pin не удался: %v", e.Record.CID, e.Err)
}

func (e *PartialPinError) Unwrap() error {
	return e.Err
}

// PinManager — оркестратор клиента демона и реестра пинов.
type PinManager struct {
	node       NodeClient
	repo       repository.PinRepository
	cache      *CacheService
	reconciler *ReconcileService
	locks      *cidLockTable
	logger     *slog.Logger
}

// NewPinManager создаёт менеджер пинов.
// cache и reconciler могут быть nil (без кэша; без сверки перед первым List).
func NewPinManager(
	node NodeClient,
	repo repository.PinRepository,
	cache *CacheService,
	reconciler *ReconcileService,
	logger *slog.Logger,
) *PinManager {
	return &PinManager{
		node:       node,
		repo:       repo,
		cache:      cache,
		reconciler: reconciler,
		locks:      newCIDLockTable(),
		logger:     logger.With(slog.String("component", "pin_manager")),
	}
}

// AddAndPin загружает содержимое на демон, регистрирует запись реестра
// и закрепляет CID. Повторное добавление тех же байтов при живой
// pinned-записи — no-op, возвращается существующая запись.
//
// При отказе pin возвращается *PartialPinError с записью в состоянии
// failed: содержимое уже на демоне и может быть закреплено повтором
// (RetryPin) без повторной загрузки.
func (m *PinManager) AddAndPin(ctx context.Context, name string, content []byte) (*model.PinRecord, error) {
	start := time.Now()
	defer func() {
		pinOpDuration.WithLabelValues("add").Observe(time.Since(start).Seconds())
	}()

	// 1. Загрузка содержимого. Идемпотентна на стороне демона:
	// одинаковые байты дают одинаковый CID.
	res, err := m.node.Add(ctx, name, bytes.NewReader(content))
	if err != nil {
		pinOpsTotal.WithLabelValues("add", "error").Inc()
		return nil, fmt.Errorf("этап add: %w", err)
	}
	cid := res.CID

	// Дальше CID известен — операции над ним сериализуются
	m.locks.Lock(cid)
	defer m.locks.Unlock(cid)

	// 2. Идемпотентность по содержимому: живая pinned-запись → no-op
	existing, err := m.repo.GetByCID(ctx, cid)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		pinOpsTotal.WithLabelValues("add", "error").Inc()
		return nil, fmt.Errorf("этап чтения реестра для %s: %w", cid, err)
	}
	if existing != nil && existing.State == model.StatePinned {
		m.logger.Debug("Повторное добавление уже закреплённого содержимого",
			slog.String("cid", cid),
			slog.String("name", name),
		)
		pinOpsTotal.WithLabelValues("add", "ok").Inc()
		return existing, nil
	}

	// 3. Регистрация (или обновление requested/failed-записи)
	rec := &model.PinRecord{
		CID:       cid,
		Name:      name,
		SizeBytes: int64(len(content)),
		State:     model.StateRequested,
	}
	if err := m.repo.Upsert(ctx, rec); err != nil {
		pinOpsTotal.WithLabelValues("add", "error").Inc()
		return nil, fmt.Errorf("этап регистрации %s: %w", cid, err)
	}
	m.invalidate(cid)

	// 4. Pin
	return m.pinAndFinish(ctx, rec, "add")
}

// RetryPin повторяет pin записи в состоянии failed (или requested),
// не загружая содержимое заново. Для pinned-записи — no-op.
func (m *PinManager) RetryPin(ctx context.Context, cid string) (*model.PinRecord, error) {
	start := time.Now()
	defer func() {
		pinOpDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
	}()

	m.locks.Lock(cid)
	defer m.locks.Unlock(cid)

	rec, err := m.repo.GetByCID(ctx, cid)
	if err != nil {
		pinOpsTotal.WithLabelValues("retry", "error").Inc()
		return nil, err
	}
	if rec.State == model.StatePinned {
		pinOpsTotal.WithLabelValues("retry", "ok").Inc()
		return rec, nil
	}

	return m.pinAndFinish(ctx, rec, "retry")
}

// pinAndFinish закрепляет CID записи и завершает переход состояния.
// Вызывается под блокировкой CID.
func (m *PinManager) pinAndFinish(ctx context.Context, rec *model.PinRecord, op string) (*model.PinRecord, error) {
	cid := rec.CID

	if err := m.node.Pin(ctx, cid); err != nil {
		// Содержимое на демоне, pin не удался. Фиксируем failed:
		// known, reported, non-fatal — GC демона может со временем
		// забрать незакреплённый объект, сверка это обнаружит.
		if stateErr := m.repo.SetState(ctx, cid, model.StateFailed); stateErr != nil {
			m.logger.Error("Не удалось зафиксировать состояние failed",
				slog.String("cid", cid),
				slog.String("error", stateErr.Error()),
			)
		}
		m.invalidate(cid)

		rec.State = model.StateFailed
		m.logger.Warn("Pin не удался, запись переведена в failed",
			slog.String("cid", cid),
			slog.String("stage", "pin"),
			slog.String("error", err.Error()),
		)
		pinOpsTotal.WithLabelValues(op, "partial").Inc()
		return nil, &PartialPinError{Record: rec, Err: err}
	}

	if err := m.repo.SetState(ctx, cid, model.StatePinned); err != nil {
		pinOpsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("этап фиксации pinned для %s: %w", cid, err)
	}
	m.invalidate(cid)

	updated, err := m.repo.GetByCID(ctx, cid)
	if err != nil {
		pinOpsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("этап чтения записи %s: %w", cid, err)
	}

	m.logger.Info("CID закреплён",
		slog.String("cid", cid),
		slog.String("name", updated.Name),
		slog.Int64("size_bytes", updated.SizeBytes),
	)
	pinOpsTotal.WithLabelValues(op, "ok").Inc()
	return updated, nil
}

// List возвращает все pinned-записи в порядке создания.
// Если с момента старта не было ни одной успешной сверки с демоном,
// выполняется best-effort сверка; недоступность демона в этот момент
// деградирует до локальных данных (логируется, не фатальна).
func (m *PinManager) List(ctx context.Context) ([]*model.PinRecord, error) {
	if m.reconciler != nil && !m.reconciler.Reconciled() {
		if _, err := m.reconciler.ReconcileOnce(ctx); err != nil && !errors.Is(err, ErrReconcileInProgress) {
			m.logger.Warn("Первичная сверка перед List не удалась, отдаём локальные данные",
				slog.String("error", err.Error()),
			)
		}
	}

	return m.repo.ListByState(ctx, model.StatePinned)
}

// Get возвращает запись реестра по CID (любое состояние, кроме removed —
// removed-записи удаляются из реестра).
func (m *PinManager) Get(ctx context.Context, cid string) (*model.PinRecord, error) {
	if m.cache != nil {
		if rec, ok := m.cache.Get(cid); ok {
			return rec, nil
		}
	}

	rec, err := m.repo.GetByCID(ctx, cid)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(cid, rec)
	}
	return rec, nil
}

// Remove снимает pin с CID и удаляет запись реестра.
// Ответ демона "not pinned" считается успехом (идемпотентное снятие).
// Любая другая ошибка демона оставляет запись в прежнем состоянии,
// чтобы вызов можно было повторить.
func (m *PinManager) Remove(ctx context.Context, cid string) error {
	start := time.Now()
	defer func() {
		pinOpDuration.WithLabelValues("remove").Observe(time.Since(start).Seconds())
	}()

	m.locks.Lock(cid)
	defer m.locks.Unlock(cid)

	if _, err := m.repo.GetByCID(ctx, cid); err != nil {
		pinOpsTotal.WithLabelValues("remove", "error").Inc()
		return err
	}

	if err := m.node.Unpin(ctx, cid); err != nil && !errors.Is(err, ipfs.ErrNotPinned) {
		pinOpsTotal.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("этап unpin для %s: %w", cid, err)
	}

	if err := m.repo.Delete(ctx, cid); err != nil && !errors.Is(err, repository.ErrNotFound) {
		pinOpsTotal.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("этап удаления записи %s: %w", cid, err)
	}
	m.invalidate(cid)

	m.logger.Info("Pin снят", slog.String("cid", cid))
	pinOpsTotal.WithLabelValues("remove", "ok").Inc()
	return nil
}

// invalidate убирает запись из кэша после мутации.
func (m *PinManager) invalidate(cid string) {
	if m.cache != nil {
		m.cache.Delete(cid)
	}
}
