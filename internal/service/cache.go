// Пакет service — бизнес-логика Bunker.
// CacheService — LRU-кэш записей реестра пинов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bunker/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bunker_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш реестра пинов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bunker_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша реестра пинов.",
	})
)

// CacheService — LRU-кэш записей реестра по CID с автоматическим TTL.
// Разгружает хранилище на горячих чтениях (GET одной записи);
// инвалидируется сервисным слоем при каждой мутации записи.
type CacheService struct {
	cache *expirable.LRU[string, *model.PinRecord]
}

// NewCacheService создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	cache := expirable.NewLRU[string, *model.PinRecord](maxSize, nil, ttl)
	return &CacheService{cache: cache}
}

// Get возвращает запись из кэша по CID.
// Возвращает (запись, true) при hit или (nil, false) при miss.
func (c *CacheService) Get(cid string) (*model.PinRecord, bool) {
	val, ok := c.cache.Get(cid)
	if ok {
		cacheHitsTotal.Inc()
		return val.Clone(), true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *CacheService) Set(cid string, rec *model.PinRecord) {
	c.cache.Add(cid, rec.Clone())
}

// Delete удаляет запись из кэша (инвалидация при мутации).
func (c *CacheService) Delete(cid string) {
	c.cache.Remove(cid)
}
