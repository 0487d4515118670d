package protocol

import "fmt"

// Константы заголовка.
const (
	// Magic — "PH" в big-endian.
	Magic uint16 = 0x5048
	// VersionV1 — компактные пакеты сопряжения и метаданных.
	VersionV1 uint8 = 1
	// VersionV2 — возобновляемая загрузка с JSON-payload.
	VersionV2 uint8 = 2
	// HeaderSize — фиксированный размер заголовка.
	HeaderSize = 8
	// DefaultMaxPayload — максимальный payload по умолчанию (100 MiB).
	DefaultMaxPayload = 100 * 1024 * 1024
)

// Type — тип пакета. Значения не пересекаются между версиями,
// кроме TypeProtocolError, общего для обеих.
type Type uint8

// Пакеты v1.
const (
	TypeDiscovery        Type = 0x01
	TypePairingRequest   Type = 0x02
	TypePairingResponse  Type = 0x03
	TypeHeartbeat        Type = 0x04
	TypeMetadata         Type = 0x05
	TypeTransferReady    Type = 0x06
	TypeFileChunk        Type = 0x07
	TypeTransferComplete Type = 0x08
	TypeProtocolError    Type = 0x09
)

// Пакеты v2.
const (
	TypeUploadInit     Type = 0x10
	TypeUploadAck      Type = 0x11
	TypeUploadChunk    Type = 0x12
	TypeUploadFinish   Type = 0x13
	TypeUploadResult   Type = 0x14
	TypeUploadAbort    Type = 0x15
	TypeUploadChunkAck Type = 0x16
)

var typeNames = map[Type]string{
	TypeDiscovery:        "DISCOVERY",
	TypePairingRequest:   "PAIRING_REQUEST",
	TypePairingResponse:  "PAIRING_RESPONSE",
	TypeHeartbeat:        "HEARTBEAT",
	TypeMetadata:         "METADATA",
	TypeTransferReady:    "TRANSFER_READY",
	TypeFileChunk:        "FILE_CHUNK",
	TypeTransferComplete: "TRANSFER_COMPLETE",
	TypeProtocolError:    "PROTOCOL_ERROR",
	TypeUploadInit:       "UPLOAD_INIT",
	TypeUploadAck:        "UPLOAD_ACK",
	TypeUploadChunk:      "UPLOAD_CHUNK",
	TypeUploadFinish:     "UPLOAD_FINISH",
	TypeUploadResult:     "UPLOAD_RESULT",
	TypeUploadAbort:      "UPLOAD_ABORT",
	TypeUploadChunkAck:   "UPLOAD_CHUNK_ACK",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// IsUpload сообщает, относится ли тип к возобновляемой загрузке v2.
func (t Type) IsUpload() bool {
	return t >= TypeUploadInit && t <= TypeUploadChunkAck
}
