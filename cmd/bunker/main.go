// Точка входа Bunker — сервис учёта пинов IPFS.
// Загружает конфигурацию, подключается к PostgreSQL (или работает
// с in-memory реестром), применяет миграции, создаёт клиент IPFS-демона,
// сервисный слой и API handlers, запускает фоновые задачи
// (периодическая сверка, topologymetrics) и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/bunker/internal/api/handlers"
	"github.com/bigkaa/bunker/internal/config"
	"github.com/bigkaa/bunker/internal/database"
	"github.com/bigkaa/bunker/internal/ipfs"
	"github.com/bigkaa/bunker/internal/repository"
	"github.com/bigkaa/bunker/internal/server"
	"github.com/bigkaa/bunker/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Bunker запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("ipfs_api_url", cfg.IPFSAPIURL),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("BUNKER_DEPHEALTH_GROUP") == "" {
		logger.Warn("BUNKER_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := context.Background()

	// 3. Реестр пинов: PostgreSQL или in-memory
	var (
		pinRepo   repository.PinRepository
		pgChecker handlers.ReadinessChecker
		pgDB      *sql.DB
	)
	if cfg.UsesDatabase() {
		// 3.1 Применение миграций БД
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		// 3.2 Подключение к PostgreSQL (pgxpool)
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// 3.3 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
		// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
		// что позволяет обнаружить его исчерпание.
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		pinRepo = repository.NewPinRepository(pool)
		pgChecker = database.NewReadinessChecker(pool)
	} else {
		logger.Info("BUNKER_DB_HOST не задана, реестр пинов хранится в памяти")
		pinRepo = repository.NewMemoryPinRepository()
	}

	// 4. Клиент IPFS-демона (Kubo RPC API)
	ipfsClient := ipfs.New(cfg.IPFSAPIURL, cfg.DaemonTimeout, cfg.AddTimeout, logger)

	// 5. Services
	cacheSvc := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	reconcileSvc := service.NewReconcileService(ipfsClient, pinRepo, cacheSvc, cfg.ReconcileInterval, logger)
	pinManager := service.NewPinManager(ipfsClient, pinRepo, cacheSvc, reconcileSvc, logger)

	// 6. Readiness checkers (PostgreSQL + IPFS-демон)
	ipfsChecker := ipfs.NewReadinessChecker(ipfsClient)
	healthHandler := handlers.NewHealthHandler(pgChecker, ipfsChecker)

	// 7. API handler
	apiHandler := handlers.NewAPIHandler(
		pinManager,
		reconcileSvc,
		healthHandler,
		cfg.MaxFileSize,
		logger,
	)

	// 8. Запуск фоновых задач
	reconcileSvc.Start(ctx)

	// 8.1 topologymetrics — мониторинг зависимостей (PostgreSQL + IPFS-демон)
	var pgConnURL string
	if cfg.UsesDatabase() {
		pgConnURL = cfg.DatabaseURL()
	}
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"bunker",
		cfg.DephealthGroup,
		cfg.IPFSAPIURL,
		pgDB, // nil в in-memory режиме
		pgConnURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	reconcileSvc.Stop()

	logger.Info("Bunker остановлен")
}
