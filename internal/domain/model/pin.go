// Пакет model — доменные модели Bunker.
// PinRecord — запись реестра пинов: что сервис считает закреплённым
// на IPFS-демоне. Единственный идентификатор записи — CID.
package model

import (
	"time"
)

// PinState — состояние записи в реестре пинов.
type PinState string

const (
	// StateRequested — содержимое передано демону, pin ещё не подтверждён
	StateRequested PinState = "requested"
	// StatePinned — демон подтвердил и объект, и его pin
	StatePinned PinState = "pinned"
	// StateFailed — содержимое на демоне, но pin не удался (или потерян)
	StateFailed PinState = "failed"
	// StateRemoved — pin снят; запись удаляется из реестра
	StateRemoved PinState = "removed"
)

// AdoptedName — имя, присваиваемое записям, обнаруженным при сверке
// в pin set демона, но отсутствующим в локальном реестре.
const AdoptedName = "unknown"

// validTransitions — матрица допустимых переходов состояний.
// Ключ — текущее состояние, значение — набор допустимых целевых состояний.
// removed — терминальное: переходы из него запрещены, запись удаляется.
var validTransitions = map[PinState]map[PinState]bool{
	StateRequested: {StatePinned: true, StateFailed: true},
	StatePinned:    {StateRemoved: true, StateFailed: true}, // failed — результат сверки
	StateFailed:    {StatePinned: true, StateRemoved: true}, // pinned — повторный pin
	StateRemoved:   {},
}

// CanTransition возвращает true, если переход from → to допустим.
func CanTransition(from, to PinState) bool {
	return validTransitions[from][to]
}

// TransitionSources возвращает состояния, из которых допустим переход в to.
// Используется репозиториями для проверки перехода на уровне SQL.
func TransitionSources(to PinState) []PinState {
	var sources []PinState
	for from, targets := range validTransitions {
		if targets[to] {
			sources = append(sources, from)
		}
	}
	return sources
}

// Valid возвращает true для известного состояния.
func (s PinState) Valid() bool {
	switch s {
	case StateRequested, StatePinned, StateFailed, StateRemoved:
		return true
	}
	return false
}

// PinRecord — запись реестра пинов.
type PinRecord struct {
	// CID — контентный идентификатор, присвоенный демоном.
	// Неизменяем после создания записи; первичный ключ реестра.
	CID string `json:"cid"`

	// Name — оригинальное имя файла при загрузке.
	// Только для отображения, уникальность не гарантируется.
	Name string `json:"name"`

	// SizeBytes — размер содержимого в байтах на момент добавления
	SizeBytes int64 `json:"size_bytes"`

	// State — текущее состояние записи
	State PinState `json:"state"`

	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения записи (UTC)
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает копию записи. Репозитории отдают копии,
// чтобы вызывающий код не мог изменить хранимое состояние.
func (r *PinRecord) Clone() *PinRecord {
	if r == nil {
		return nil
	}
	copied := *r
	return &copied
}
