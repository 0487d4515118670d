// Пакет model — доменные модели media-sync: записи медиа,
// записи журнала изменений и ошибки слоя хранения.
package model

import (
	"errors"
	"time"
)

// Ошибки слоя журнала (ledger).
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности.
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// MediaRecord — запись о сохранённом медиафайле.
// ID и ContentHash неизменяемы после создания.
type MediaRecord struct {
	ID          int64      `json:"id"`
	ContentHash string     `json:"blobHash"`
	Filename    string     `json:"filename"`
	Size        int64      `json:"size"`
	MimeType    string     `json:"mimeType"`
	DeviceID    string     `json:"deviceId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// IsDeleted проверяет, помечена ли запись как удалённая.
func (m *MediaRecord) IsDeleted() bool {
	return m.DeletedAt != nil
}

// PurgeEligible проверяет, истёк ли срок хранения soft-deleted записи.
// retention == 0 — запись доступна для очистки сразу.
func (m *MediaRecord) PurgeEligible(now time.Time, retention time.Duration) bool {
	if m.DeletedAt == nil {
		return false
	}
	return !now.Before(m.DeletedAt.Add(retention))
}

// Clone возвращает копию записи (без разделяемых указателей).
func (m *MediaRecord) Clone() *MediaRecord {
	c := *m
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// ChangeOp — операция в журнале изменений.
type ChangeOp string

const (
	OpCreate ChangeOp = "CREATE"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// ChangeData — снимок атрибутов медиа на момент изменения.
type ChangeData struct {
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// ChangeEntry — запись append-only журнала изменений.
// ID монотонно возрастает и никогда не переиспользуется.
type ChangeEntry struct {
	ID        int64      `json:"id"`
	Op        ChangeOp   `json:"op"`
	MediaID   int64      `json:"mediaId"`
	BlobHash  string     `json:"blobHash"`
	ChangedAt time.Time  `json:"changedAt"`
	Data      ChangeData `json:"data"`
}

// NewChangeEntry строит запись журнала по записи медиа.
func NewChangeEntry(op ChangeOp, m *MediaRecord, at time.Time) *ChangeEntry {
	return &ChangeEntry{
		Op:        op,
		MediaID:   m.ID,
		BlobHash:  m.ContentHash,
		ChangedAt: at,
		Data: ChangeData{
			Filename: m.Filename,
			Size:     m.Size,
			MimeType: m.MimeType,
			DeviceID: m.DeviceID,
		},
	}
}
