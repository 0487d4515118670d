// Пакет protocol — бинарный протокол синхронизации: кадрирование пакетов
// (magic | version | type | length | payload) и схемы payload.
//
// Кадрировщик не зависит от версии: схему payload выбирает вызывающий код
// по типу пакета.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrFraming — повреждённый заголовок. Соединение после неё закрывается.
	ErrFraming = errors.New("protocol: ошибка кадрирования")
	// ErrConnectionClosed — поток завершился до конца пакета.
	ErrConnectionClosed = errors.New("protocol: соединение закрыто")
)

// FramingError описывает причину ошибки кадрирования.
// errors.Is(err, ErrFraming) возвращает true.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return ErrFraming.Error() + ": " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}

// Header — фиксированный заголовок пакета.
type Header struct {
	Magic   uint16
	Version uint8
	Type    Type
	Length  uint32
}

// Packet — один пакет протокола.
type Packet struct {
	Version uint8
	Type    Type
	Payload []byte
}

// EncodeHeader сериализует заголовок в 8 байт.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = uint8(h.Type)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// DecodeHeader разбирает 8 байт заголовка и проверяет magic.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, &FramingError{Reason: fmt.Sprintf("длина заголовка %d, ожидалось %d", len(b), HeaderSize)}
	}
	h := Header{
		Magic:   binary.BigEndian.Uint16(b[0:2]),
		Version: b[2],
		Type:    Type(b[3]),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Magic != Magic {
		return Header{}, &FramingError{Reason: fmt.Sprintf("неверный magic 0x%04x", h.Magic)}
	}
	return h, nil
}

// Encode сериализует пакет целиком: заголовок + payload.
func Encode(version uint8, t Type, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &FramingError{Reason: fmt.Sprintf("payload %d байт не помещается в uint32", len(payload))}
	}
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, EncodeHeader(Header{
		Magic:   Magic,
		Version: version,
		Type:    t,
		Length:  uint32(len(payload)),
	})...)
	buf = append(buf, payload...)
	return buf, nil
}

// WritePacket записывает пакет одним вызовом Write.
func WritePacket(w io.Writer, p *Packet) error {
	buf, err := Encode(p.Version, p.Type, p.Payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("запись пакета %s: %w", p.Type, err)
	}
	return nil
}

// ReadPacket блокируется до получения 8 байт заголовка, проверяет magic
// и читает ровно length байт payload.
// Конец потока до завершения пакета — ErrConnectionClosed,
// неверный magic или length > maxPayload — *FramingError.
// maxPayload <= 0 означает DefaultMaxPayload.
func ReadPacket(r io.Reader, maxPayload int64) (*Packet, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, closedOr(err)
	}

	h, err := DecodeHeader(hb[:])
	if err != nil {
		return nil, err
	}
	if int64(h.Length) > maxPayload {
		return nil, &FramingError{Reason: fmt.Sprintf("payload %d байт превышает лимит %d", h.Length, maxPayload)}
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, closedOr(err)
		}
	}

	return &Packet{Version: h.Version, Type: h.Type, Payload: payload}, nil
}

// closedOr приводит EOF-ошибки к ErrConnectionClosed, остальные возвращает как есть.
func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}

// NewJSONPacket сериализует v в JSON-payload.
func NewJSONPacket(version uint8, t Type, v any) (*Packet, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("сериализация %s: %w", t, err)
	}
	return &Packet{Version: version, Type: t, Payload: payload}, nil
}

// DecodeJSON разбирает JSON-payload пакета в v.
func (p *Packet) DecodeJSON(v any) error {
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("разбор %s: %w", p.Type, err)
	}
	return nil
}
