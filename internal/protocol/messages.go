package protocol

import (
	"encoding/binary"
	"fmt"
)

// Размеры служебного префикса UPLOAD_CHUNK.
const (
	// UploadIDSize — uploadId в каноническом текстовом виде UUID.
	UploadIDSize = 36
	// ChunkHeaderSize — uploadId + offset (uint64 BE).
	ChunkHeaderSize = UploadIDSize + 8
)

// Статусы UPLOAD_ACK.
const (
	AckActive   = "ACTIVE"
	AckResuming = "RESUMING"
)

// Статусы UPLOAD_RESULT.
const (
	ResultSuccess = "SUCCESS"
	ResultError   = "ERROR"
	ResultAborted = "ABORTED"
)

// Коды PROTOCOL_ERROR.
const (
	CodeBadRequest          = 400 // разрыв, некорректный payload, неподдерживаемый пакет
	CodeNotPaired           = 401
	CodeForbidden           = 403 // сессия принадлежит другому клиенту
	CodeNotFound            = 404 // неизвестный или истёкший uploadId
	CodeHashConflict        = 409
	CodeSizeMismatch        = 422 // Finish до получения всех байт
	CodeInternal            = 500
	CodeUnavailable         = 503 // достигнут лимит соединений
	CodeInsufficientStorage = 507
)

// DiscoveryService — значение поля service в DISCOVERY.
const DiscoveryService = "photosync"

// Discovery — UDP-анонс сервера в локальной сети.
type Discovery struct {
	Service    string `json:"service"`
	Port       int    `json:"port"`
	ServerName string `json:"serverName"`
}

// PairingRequest — запрос сопряжения устройства.
type PairingRequest struct {
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
	Token      string `json:"token,omitempty"`
	UserName   string `json:"userName,omitempty"`
}

// PairingResponse — ответ на сопряжение.
type PairingResponse struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// UploadInit — открытие или возобновление загрузки.
type UploadInit struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	MimeType string `json:"mimeType,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// UploadAck — ответ на UPLOAD_INIT.
type UploadAck struct {
	UploadID      string `json:"uploadId"`
	Status        string `json:"status"`
	ReceivedBytes int64  `json:"receivedBytes"`
	ChunkSize     int64  `json:"chunkSize"`
}

// ChunkAck — подтверждение чанка.
type ChunkAck struct {
	UploadID      string `json:"uploadId"`
	ReceivedBytes int64  `json:"receivedBytes"`
	Status        string `json:"status"`
}

// UploadFinish — завершение загрузки.
type UploadFinish struct {
	UploadID string `json:"uploadId"`
	SHA256   string `json:"sha256"`
}

// UploadResult — итог загрузки или отмены.
type UploadResult struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	MediaID  int64  `json:"mediaId,omitempty"`
}

// UploadAbort — отмена загрузки.
type UploadAbort struct {
	UploadID string `json:"uploadId"`
}

// ErrorMessage — payload PROTOCOL_ERROR.
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Chunk — разобранный payload UPLOAD_CHUNK.
// Data ссылается на исходный буфер payload без копирования.
type Chunk struct {
	UploadID string
	Offset   int64
	Data     []byte
}

// EncodeChunk собирает payload UPLOAD_CHUNK: uploadId(36) | offset(8, BE) | data.
func EncodeChunk(uploadID string, offset int64, data []byte) ([]byte, error) {
	if len(uploadID) != UploadIDSize {
		return nil, fmt.Errorf("uploadId должен быть %d байт, получено %d", UploadIDSize, len(uploadID))
	}
	if offset < 0 {
		return nil, fmt.Errorf("отрицательное смещение %d", offset)
	}
	buf := make([]byte, ChunkHeaderSize+len(data))
	copy(buf, uploadID)
	binary.BigEndian.PutUint64(buf[UploadIDSize:ChunkHeaderSize], uint64(offset))
	copy(buf[ChunkHeaderSize:], data)
	return buf, nil
}

// DecodeChunk разбирает payload UPLOAD_CHUNK.
func DecodeChunk(payload []byte) (*Chunk, error) {
	if len(payload) < ChunkHeaderSize {
		return nil, fmt.Errorf("payload чанка %d байт короче заголовка %d", len(payload), ChunkHeaderSize)
	}
	offset := binary.BigEndian.Uint64(payload[UploadIDSize:ChunkHeaderSize])
	if offset > 1<<63-1 {
		return nil, fmt.Errorf("смещение %d вне диапазона int64", offset)
	}
	return &Chunk{
		UploadID: string(payload[:UploadIDSize]),
		Offset:   int64(offset),
		Data:     payload[ChunkHeaderSize:],
	}, nil
}
