package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/bunker/internal/config"
	"github.com/bigkaa/bunker/internal/database"
	"github.com/bigkaa/bunker/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; контейнер и пул закрываются через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("bunker_test"),
		postgres.WithUsername("bunker"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("BUNKER_DB_HOST", host)
	os.Setenv("BUNKER_DB_PORT", port.Port())
	os.Setenv("BUNKER_DB_NAME", "bunker_test")
	os.Setenv("BUNKER_DB_USER", "bunker")
	os.Setenv("BUNKER_DB_PASSWORD", "test-password")
	os.Setenv("BUNKER_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func TestPinRepositoryCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPinRepository(pool)

	rec := &model.PinRecord{
		CID:       "QmTestCRUD",
		Name:      "crud.txt",
		SizeBytes: 1024,
		State:     model.StateRequested,
	}

	// Upsert (insert)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// GetByCID
	got, err := repo.GetByCID(ctx, "QmTestCRUD")
	if err != nil {
		t.Fatalf("GetByCID() ошибка: %v", err)
	}
	if got.Name != "crud.txt" {
		t.Errorf("Name = %q, хотели %q", got.Name, "crud.txt")
	}
	if got.State != model.StateRequested {
		t.Errorf("State = %q, хотели %q", got.State, model.StateRequested)
	}

	// SetState
	if err := repo.SetState(ctx, "QmTestCRUD", model.StatePinned); err != nil {
		t.Fatalf("SetState() ошибка: %v", err)
	}
	got, err = repo.GetByCID(ctx, "QmTestCRUD")
	if err != nil {
		t.Fatalf("GetByCID() после SetState: %v", err)
	}
	if got.State != model.StatePinned {
		t.Errorf("State = %q, хотели %q", got.State, model.StatePinned)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Error("UpdatedAt должен быть не раньше CreatedAt")
	}

	// Delete
	if err := repo.Delete(ctx, "QmTestCRUD"); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := repo.GetByCID(ctx, "QmTestCRUD"); !errors.Is(err, ErrNotFound) {
		t.Errorf("После Delete ожидался ErrNotFound, получено: %v", err)
	}
}

// TestPinRepositoryUpsertConflict: повторный Upsert по существующему CID
// обновляет запись, сохраняя created_at (ON CONFLICT DO UPDATE).
func TestPinRepositoryUpsertConflict(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPinRepository(pool)

	first := &model.PinRecord{CID: "QmDup", Name: "old.txt", SizeBytes: 1, State: model.StateRequested}
	if err := repo.Upsert(ctx, first); err != nil {
		t.Fatalf("Первый Upsert: %v", err)
	}

	second := &model.PinRecord{CID: "QmDup", Name: "new.txt", SizeBytes: 2, State: model.StateRequested}
	if err := repo.Upsert(ctx, second); err != nil {
		t.Fatalf("Повторный Upsert: %v", err)
	}

	got, err := repo.GetByCID(ctx, "QmDup")
	if err != nil {
		t.Fatalf("GetByCID: %v", err)
	}
	if got.Name != "new.txt" || got.SizeBytes != 2 {
		t.Errorf("Запись не обновлена: %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at изменился: %v → %v", first.CreatedAt, got.CreatedAt)
	}
}

// TestPinRepositoryListByState: выборка по состоянию в порядке создания.
func TestPinRepositoryListByState(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPinRepository(pool)

	for _, rec := range []*model.PinRecord{
		{CID: "QmListP1", Name: "a", State: model.StatePinned},
		{CID: "QmListF1", Name: "b", State: model.StateFailed},
		{CID: "QmListP2", Name: "c", State: model.StatePinned},
	} {
		if err := repo.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %s: %v", rec.CID, err)
		}
	}

	pinned, err := repo.ListByState(ctx, model.StatePinned)
	if err != nil {
		t.Fatalf("ListByState() ошибка: %v", err)
	}
	if len(pinned) != 2 {
		t.Fatalf("Pinned-записей %d, ожидалось 2", len(pinned))
	}
	for i := 1; i < len(pinned); i++ {
		if pinned[i].CreatedAt.Before(pinned[i-1].CreatedAt) {
			t.Errorf("Нарушен порядок created_at: %s перед %s", pinned[i-1].CID, pinned[i].CID)
		}
	}
}

// TestPinRepositorySetStateInvalidTransition: запрещённый матрицей
// переход отклоняется на уровне SQL, строка не меняется.
func TestPinRepositorySetStateInvalidTransition(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPinRepository(pool)

	rec := &model.PinRecord{CID: "QmTransition", Name: "a", State: model.StatePinned}
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	err := repo.SetState(ctx, "QmTransition", model.StateRequested)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pinned → requested: ожидался ErrInvalidTransition, получено %v", err)
	}

	got, err := repo.GetByCID(ctx, "QmTransition")
	if err != nil {
		t.Fatalf("GetByCID: %v", err)
	}
	if got.State != model.StatePinned {
		t.Errorf("Строка изменилась после запрещённого перехода: %s", got.State)
	}

	if err := repo.SetState(ctx, "QmTransition", model.StateFailed); err != nil {
		t.Errorf("pinned → failed должен быть допустим: %v", err)
	}
	if err := repo.SetState(ctx, "QmTransition", model.StateFailed); err != nil {
		t.Errorf("failed → failed должен быть no-op: %v", err)
	}
}

func TestPinRepositorySetStateNotFound(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPinRepository(pool)

	if err := repo.SetState(ctx, "QmNoSuchRow", model.StatePinned); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидался ErrNotFound, получено: %v", err)
	}
	if err := repo.Delete(ctx, "QmNoSuchRow"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: ожидался ErrNotFound, получено %v", err)
	}
}
