package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/bunker/internal/domain/model"
)

// memoryPinRepo — потокобезопасный in-memory реестр пинов.
// Используется в standalone-режиме (BUNKER_DB_HOST не задан) и в тестах.
// Не персистентен: после рестарта pinned-записи восстанавливаются
// сверкой с pin set демона.
type memoryPinRepo struct {
	mu   sync.RWMutex
	pins map[string]*model.PinRecord // cid → record
}

// NewMemoryPinRepository создаёт пустой in-memory реестр пинов.
func NewMemoryPinRepository() PinRepository {
	return &memoryPinRepo{
		pins: make(map[string]*model.PinRecord),
	}
}

func (r *memoryPinRepo) Upsert(_ context.Context, rec *model.PinRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.pins[rec.CID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	// Храним копию, чтобы внешние изменения не затронули реестр
	r.pins[rec.CID] = rec.Clone()
	return nil
}

func (r *memoryPinRepo) GetByCID(_ context.Context, cid string) (*model.PinRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.pins[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memoryPinRepo) ListByState(_ context.Context, state model.PinState) ([]*model.PinRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.PinRecord
	for _, rec := range r.pins {
		if rec.State == state {
			result = append(result, rec.Clone())
		}
	}

	// Порядок по created_at, затем по cid — как в PostgreSQL-реализации
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CID < result[j].CID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (r *memoryPinRepo) SetState(_ context.Context, cid string, state model.PinState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pins[cid]
	if !ok {
		return ErrNotFound
	}
	if rec.State != state && !model.CanTransition(rec.State, state) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, rec.State, state)
	}

	copied := rec.Clone()
	copied.State = state
	copied.UpdatedAt = time.Now().UTC()
	r.pins[cid] = copied
	return nil
}

func (r *memoryPinRepo) Delete(_ context.Context, cid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pins[cid]; !ok {
		return ErrNotFound
	}
	delete(r.pins, cid)
	return nil
}
