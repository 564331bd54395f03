// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Bunker мониторит:
//   - IPFS-демон — HTTP checker к /api/v0/version (critical)
//   - PostgreSQL — SQL checker через существующий pgxpool
//     (connection pool mode, critical; только в режиме PostgreSQL)
//
// Connection pool mode предпочтителен, т.к. отражает реальную способность
// сервиса работать с зависимостью и может обнаружить исчерпание пула соединений.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (e.g. "bunker")
//   - group — имя группы в метриках (BUNKER_DEPHEALTH_GROUP)
//   - ipfsAPIURL — URL RPC API IPFS-демона
//   - db — *sql.DB из pgxpool через stdlib.OpenDBFromPool();
//     nil в standalone-режиме (зависимость PostgreSQL не добавляется)
//   - pgConnURL — URL подключения к PostgreSQL (для метрик/лейблов, не для подключения)
//   - checkInterval — интервал проверки зависимостей (BUNKER_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	ipfsAPIURL string,
	db *sql.DB,
	pgConnURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, ipfsAPIURL, db, pgConnURL, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	ipfsAPIURL string,
	db *sql.DB,
	pgConnURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, ipfsAPIURL, db, pgConnURL, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	ipfsAPIURL string,
	db *sql.DB,
	pgConnURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// IPFS-демон — HTTP checker. У Kubo нет выделенного health
		// endpoint, /api/v0/version отвечает на любом живом демоне.
		dephealth.HTTP("ipfs-daemon",
			dephealth.FromURL(ipfsAPIURL),
			dephealth.WithHTTPHealthPath("/api/v0/version"),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}

	// PostgreSQL — только в режиме PostgreSQL. Используем pgcheck.New +
	// dephealth.AddDependency напрямую, чтобы не тянуть contrib/sqldb
	// с транзитивной зависимостью на MySQL.
	if db != nil {
		opts = append(opts,
			dephealth.AddDependency("postgresql", dephealth.TypePostgres,
				pgcheck.New(pgcheck.WithDB(db)),
				dephealth.FromURL(pgConnURL),
				dephealth.CheckInterval(checkInterval),
				dephealth.Critical(true),
			),
		)
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
