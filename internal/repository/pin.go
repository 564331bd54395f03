package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/bunker/internal/domain/model"
)

// pinColumns — список столбцов таблицы pin_records для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const pinColumns = `cid, name, size_bytes, state, created_at, updated_at`

// pgPinRepo — реализация PinRepository через pgx.
type pgPinRepo struct {
	db DBTX
}

// NewPinRepository создаёт PostgreSQL-репозиторий реестра пинов.
func NewPinRepository(db DBTX) PinRepository {
	return &pgPinRepo{db: db}
}

func (r *pgPinRepo) Upsert(ctx context.Context, rec *model.PinRecord) error {
	query := `
		INSERT INTO pin_records (cid, name, size_bytes, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cid) DO UPDATE
		SET name = EXCLUDED.name,
			size_bytes = EXCLUDED.size_bytes,
			state = EXCLUDED.state,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rec.CID, rec.Name, rec.SizeBytes, rec.State,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: CID %s", ErrConflict, rec.CID)
		}
		return fmt.Errorf("ошибка upsert записи %s: %w", rec.CID, err)
	}
	return nil
}

func (r *pgPinRepo) GetByCID(ctx context.Context, cid string) (*model.PinRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM pin_records WHERE cid = $1`, pinColumns)

	rec := &model.PinRecord{}
	err := r.db.QueryRow(ctx, query, cid).Scan(
		&rec.CID, &rec.Name, &rec.SizeBytes, &rec.State, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи %s: %w", cid, err)
	}
	return rec, nil
}

func (r *pgPinRepo) ListByState(ctx context.Context, state model.PinState) ([]*model.PinRecord, error) {
	// Порядок по created_at, затем по cid — детерминированный
	// результат при одинаковом времени создания.
	query := fmt.Sprintf(`
		SELECT %s FROM pin_records
		WHERE state = $1
		ORDER BY created_at ASC, cid ASC`, pinColumns)

	rows, err := r.db.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка записей: %w", err)
	}
	defer rows.Close()

	var result []*model.PinRecord
	for rows.Next() {
		rec := &model.PinRecord{}
		if err := rows.Scan(
			&rec.CID, &rec.Name, &rec.SizeBytes, &rec.State, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода результата: %w", err)
	}
	return result, nil
}

func (r *pgPinRepo) SetState(ctx context.Context, cid string, state model.PinState) error {
	// Переход проверяется на уровне SQL: обновление проходит только
	// из состояний, допустимых матрицей, либо из того же состояния.
	allowedFrom := []string{string(state)}
	for _, from := range model.TransitionSources(state) {
		allowedFrom = append(allowedFrom, string(from))
	}

	query := `
		UPDATE pin_records
		SET state = $2, updated_at = now()
		WHERE cid = $1 AND state = ANY($3)`

	tag, err := r.db.Exec(ctx, query, cid, state, allowedFrom)
	if err != nil {
		return fmt.Errorf("ошибка смены состояния %s → %s: %w", cid, state, err)
	}
	if tag.RowsAffected() == 0 {
		// Различаем отсутствие записи и запрещённый переход
		var current model.PinState
		err := r.db.QueryRow(ctx, `SELECT state FROM pin_records WHERE cid = $1`, cid).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("ошибка чтения состояния %s: %w", cid, err)
		}
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, state)
	}
	return nil
}

func (r *pgPinRepo) Delete(ctx context.Context, cid string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM pin_records WHERE cid = $1`, cid)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи %s: %w", cid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
