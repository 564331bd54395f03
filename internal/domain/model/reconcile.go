package model

import (
	"time"
)

// ReconcileReport — результат одной сверки реестра с pin set демона.
type ReconcileReport struct {
	// ID — идентификатор запуска сверки (UUID v4)
	ID string `json:"id"`

	// StartedAt — время начала сверки (UTC)
	StartedAt time.Time `json:"started_at"`

	// DurationMS — длительность сверки в миллисекундах
	DurationMS int64 `json:"duration_ms"`

	// NodePins — количество CID, закреплённых на демоне
	NodePins int `json:"node_pins"`

	// LocalPinned — количество pinned-записей реестра до сверки
	LocalPinned int `json:"local_pinned"`

	// Adopted — CID, закреплённые на демоне, но отсутствовавшие
	// в реестре: приняты как pinned-записи с именем "unknown"
	Adopted []string `json:"adopted"`

	// Lost — CID, числившиеся pinned локально, но отсутствующие
	// на демоне: переведены в failed
	Lost []string `json:"lost"`
}
