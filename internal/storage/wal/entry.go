// Пакет wal — файловый Write-Ahead Log для операций, затрагивающих
// одновременно хранилище блобов и журнал: финализация загрузки и purge.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в MS_WAL_DIR.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpMediaFinalize — перенос частичного файла в хранилище + запись в журнал
	OpMediaFinalize OperationType = "media_finalize"
	// OpMediaPurge — удаление записи и (если нет других ссылок) блоба
	OpMediaPurge OperationType = "media_purge"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — транзакция успешно завершена
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — транзакция отменена
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Ref — объекты, затронутые транзакцией.
type Ref struct {
	// UploadID — сессия загрузки (для финализации)
	UploadID string `json:"upload_id,omitempty"`
	// BlobHash — адрес блоба
	BlobHash string `json:"blob_hash"`
	// MediaID — запись журнала (для purge)
	MediaID int64 `json:"media_id,omitempty"`
}

// Entry — запись WAL. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`
	Ref           Ref               `json:"ref"`
	StartedAt     time.Time         `json:"started_at"`
	// nil для pending транзакций
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
