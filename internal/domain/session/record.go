package session

import "time"

// Record — сохраняемое состояние сессии загрузки.
// ReceivedBytes — длина непрерывного префикса, начиная с offset 0,
// а не сумма всех полученных байт.
type Record struct {
	UploadID      string    `json:"upload_id"`
	ClientID      string    `json:"client_id"`
	Filename      string    `json:"filename"`
	MimeType      string    `json:"mime_type,omitempty"`
	DeclaredSize  int64     `json:"declared_size"`
	ExpectedHash  string    `json:"expected_hash"`
	ReceivedBytes int64     `json:"received_bytes"`
	Status        Status    `json:"status"`
	TraceID       string    `json:"trace_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Key — ключ поиска открытой сессии: одна сессия на пару (клиент, хэш).
type Key struct {
	ClientID string
	Hash     string
}

// Key возвращает ключ сессии.
func (r *Record) Key() Key {
	return Key{ClientID: r.ClientID, Hash: r.ExpectedHash}
}

// Expired сообщает, что сессия неактивна дольше timeout.
func (r *Record) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastActivity) >= timeout
}
