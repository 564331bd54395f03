// Пакет config — загрузка и валидация конфигурации Bunker
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Bunker.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- IPFS daemon ---

	// URL RPC API IPFS-демона (Kubo), например http://127.0.0.1:5001
	IPFSAPIURL string
	// Таймаут одиночного запроса к демону (pin/unpin/ls)
	DaemonTimeout time.Duration
	// Таймаут загрузки содержимого в демон (add)
	AddTimeout time.Duration
	// Максимальный размер одного загружаемого файла (байт)
	MaxFileSize int64

	// --- PostgreSQL (опционально) ---

	// Хост PostgreSQL. Пустая строка — реестр пинов хранится в памяти.
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Фоновые задачи ---

	// Интервал фоновой сверки реестра с pin set демона
	ReconcileInterval time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// --- Кэш метаданных ---

	// Максимальное количество записей в LRU-кэше
	CacheSize int
	// TTL записи LRU-кэша
	CacheTTL time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// BUNKER_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("BUNKER_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("BUNKER_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// BUNKER_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("BUNKER_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("BUNKER_LOG_LEVEL: %w", err)
	}

	// BUNKER_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("BUNKER_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("BUNKER_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- IPFS daemon ---

	// BUNKER_IPFS_API_URL — адрес RPC API демона (по умолчанию локальный Kubo)
	cfg.IPFSAPIURL = strings.TrimRight(getEnvDefault("BUNKER_IPFS_API_URL", "http://127.0.0.1:5001"), "/")
	if !strings.HasPrefix(cfg.IPFSAPIURL, "http://") && !strings.HasPrefix(cfg.IPFSAPIURL, "https://") {
		return nil, fmt.Errorf("BUNKER_IPFS_API_URL: недопустимое значение %q, ожидается http(s) URL", cfg.IPFSAPIURL)
	}

	// BUNKER_DAEMON_TIMEOUT — таймаут управляющих запросов к демону (по умолчанию 30s)
	cfg.DaemonTimeout, err = getEnvDuration("BUNKER_DAEMON_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_DAEMON_TIMEOUT: %w", err)
	}

	// BUNKER_ADD_TIMEOUT — таймаут загрузки содержимого (по умолчанию 5m)
	cfg.AddTimeout, err = getEnvDuration("BUNKER_ADD_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_ADD_TIMEOUT: %w", err)
	}

	// BUNKER_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 1 ГиБ)
	cfg.MaxFileSize, err = getEnvInt64("BUNKER_MAX_FILE_SIZE", 1<<30)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize < 1 {
		return nil, fmt.Errorf("BUNKER_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// --- PostgreSQL ---

	// BUNKER_DB_HOST — опциональный. Если не задан, реестр хранится в памяти
	// и теряется при рестарте (standalone-режим; сверка с pin set демона
	// восстановит pinned-записи под именем "unknown").
	cfg.DBHost = getEnvDefault("BUNKER_DB_HOST", "")

	if cfg.DBHost != "" {
		// BUNKER_DB_PORT — порт PostgreSQL (по умолчанию 5432)
		cfg.DBPort, err = getEnvInt("BUNKER_DB_PORT", 5432)
		if err != nil {
			return nil, fmt.Errorf("BUNKER_DB_PORT: %w", err)
		}

		// BUNKER_DB_NAME — обязательный в режиме PostgreSQL
		cfg.DBName, err = getEnvRequired("BUNKER_DB_NAME")
		if err != nil {
			return nil, err
		}

		// BUNKER_DB_USER — обязательный в режиме PostgreSQL
		cfg.DBUser, err = getEnvRequired("BUNKER_DB_USER")
		if err != nil {
			return nil, err
		}

		// BUNKER_DB_PASSWORD — обязательный в режиме PostgreSQL
		cfg.DBPassword, err = getEnvRequired("BUNKER_DB_PASSWORD")
		if err != nil {
			return nil, err
		}

		// BUNKER_DB_SSL_MODE — режим SSL (по умолчанию disable)
		cfg.DBSSLMode = getEnvDefault("BUNKER_DB_SSL_MODE", "disable")
		validSSLModes := map[string]bool{
			"disable": true, "require": true, "verify-ca": true, "verify-full": true,
		}
		if !validSSLModes[cfg.DBSSLMode] {
			return nil, fmt.Errorf("BUNKER_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
		}
	}

	// --- Фоновые задачи ---

	// BUNKER_RECONCILE_INTERVAL — интервал фоновой сверки (по умолчанию 5m)
	cfg.ReconcileInterval, err = getEnvDuration("BUNKER_RECONCILE_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_RECONCILE_INTERVAL: %w", err)
	}

	// BUNKER_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("BUNKER_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// BUNKER_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию bunker)
	cfg.DephealthGroup = getEnvDefault("BUNKER_DEPHEALTH_GROUP", "bunker")

	// --- Кэш метаданных ---

	// BUNKER_CACHE_SIZE — размер LRU-кэша (по умолчанию 1024 записи)
	cfg.CacheSize, err = getEnvInt("BUNKER_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("BUNKER_CACHE_SIZE: значение должно быть положительным")
	}

	// BUNKER_CACHE_TTL — TTL записи кэша (по умолчанию 5m)
	cfg.CacheTTL, err = getEnvDuration("BUNKER_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_CACHE_TTL: %w", err)
	}

	// --- Graceful shutdown ---

	// BUNKER_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("BUNKER_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BUNKER_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// UsesDatabase возвращает true, если реестр пинов хранится в PostgreSQL.
func (c *Config) UsesDatabase() bool {
	return c.DBHost != ""
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (для dephealth-метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64-значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
