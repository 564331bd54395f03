// Пакет repository — слой доступа к реестру пинов.
// Два взаимозаменяемых хранилища: PostgreSQL (чистый SQL через pgx,
// без ORM) и in-memory (standalone-режим без базы данных).
// Сервисный слой — единственный писатель реестра.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/bunker/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся CID).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrInvalidTransition — переход состояния, запрещённый матрицей.
	ErrInvalidTransition = errors.New("запрещённый переход состояния")
)

// PinRepository — хранилище записей реестра пинов.
// Записи идентифицируются CID. Каждая операция записи атомарна
// на уровне одной записи: читатели не видят частичных обновлений.
type PinRepository interface {
	// Upsert вставляет запись или обновляет существующую с тем же CID.
	// При обновлении created_at сохраняется. Заполняет timestamps записи.
	Upsert(ctx context.Context, rec *model.PinRecord) error
	// GetByCID возвращает запись по CID или ErrNotFound.
	GetByCID(ctx context.Context, cid string) (*model.PinRecord, error)
	// ListByState возвращает записи в указанном состоянии,
	// упорядоченные по created_at (при равенстве — по CID).
	ListByState(ctx context.Context, state model.PinState) ([]*model.PinRecord, error)
	// SetState атомарно переводит запись в новое состояние
	// и обновляет updated_at. Переход проверяется матрицей
	// model.CanTransition: запрещённый переход — ErrInvalidTransition.
	// Повторная установка текущего состояния — no-op с обновлением
	// updated_at. ErrNotFound, если записи нет.
	SetState(ctx context.Context, cid string, state model.PinState) error
	// Delete удаляет запись по CID. ErrNotFound, если записи нет.
	Delete(ctx context.Context, cid string) error
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозиторий как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
