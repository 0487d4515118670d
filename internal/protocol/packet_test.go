package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncode_HeaderLayout(t *testing.T) {
	buf, err := Encode(VersionV2, TypeUploadInit, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x50, 0x48, 0x02, 0x10, 0x00, 0x00, 0x00, 0x07}
	if !bytes.Equal(buf[:HeaderSize], want) {
		t.Errorf("заголовок: хотели % x, получили % x", want, buf[:HeaderSize])
	}
	if string(buf[HeaderSize:]) != `{"a":1}` {
		t.Errorf("payload: получили %q", buf[HeaderSize:])
	}
}

func TestReadPacket_RoundTripStream(t *testing.T) {
	var stream bytes.Buffer
	packets := []*Packet{
		{Version: VersionV1, Type: TypeHeartbeat},
		{Version: VersionV2, Type: TypeUploadChunk, Payload: bytes.Repeat([]byte{0xAB}, 4096)},
		{Version: VersionV2, Type: TypeUploadFinish, Payload: []byte(`{}`)},
	}
	for _, p := range packets {
		if err := WritePacket(&stream, p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	for i, want := range packets {
		got, err := ReadPacket(&stream, 0)
		if err != nil {
			t.Fatalf("пакет %d: %v", i, err)
		}
		if got.Version != want.Version || got.Type != want.Type {
			t.Errorf("пакет %d: хотели v%d %s, получили v%d %s", i, want.Version, want.Type, got.Version, got.Type)
		}
		if !bytes.Equal(got.Payload, want.Payload) && len(want.Payload) > 0 {
			t.Errorf("пакет %d: payload не совпадает", i)
		}
	}

	if _, err := ReadPacket(&stream, 0); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("пустой поток: хотели ErrConnectionClosed, получили %v", err)
	}
}

func TestReadPacket_BadMagic(t *testing.T) {
	raw := []byte{0x12, 0x34, 0x02, 0x10, 0, 0, 0, 0}
	_, err := ReadPacket(bytes.NewReader(raw), 0)
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("хотели ErrFraming, получили %v", err)
	}
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("ожидался *FramingError, получили %T", err)
	}
}

func TestReadPacket_TruncatedPayload(t *testing.T) {
	buf, _ := Encode(VersionV2, TypeUploadChunk, make([]byte, 100))
	_, err := ReadPacket(bytes.NewReader(buf[:HeaderSize+40]), 0)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("хотели ErrConnectionClosed, получили %v", err)
	}
}

func TestReadPacket_TruncatedHeader(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0x50, 0x48, 0x02}), 0)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("хотели ErrConnectionClosed, получили %v", err)
	}
}

func TestReadPacket_PayloadLimit(t *testing.T) {
	buf, _ := Encode(VersionV2, TypeUploadChunk, make([]byte, 2048))
	_, err := ReadPacket(bytes.NewReader(buf), 1024)
	if !errors.Is(err, ErrFraming) {
		t.Errorf("хотели ErrFraming при превышении лимита, получили %v", err)
	}
}

// blockingReader отдаёт данные по одному байту — ReadPacket обязан дочитать заголовок.
type blockingReader struct {
	data []byte
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReadPacket_ByteByByte(t *testing.T) {
	buf, _ := Encode(VersionV1, TypePairingRequest, []byte(`{"deviceId":"d1"}`))
	p, err := ReadPacket(&blockingReader{data: buf}, 0)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	var req PairingRequest
	if err := p.DecodeJSON(&req); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if req.DeviceID != "d1" {
		t.Errorf("DeviceID: хотели d1, получили %q", req.DeviceID)
	}
}

func TestChunkCodec(t *testing.T) {
	id := "0b8f3c2e-6a0d-4c55-9d1e-1f2a3b4c5d6e"
	payload, err := EncodeChunk(id, 1048576, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	if len(payload) != ChunkHeaderSize+5 {
		t.Fatalf("длина: хотели %d, получили %d", ChunkHeaderSize+5, len(payload))
	}

	c, err := DecodeChunk(payload)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if c.UploadID != id || c.Offset != 1048576 || string(c.Data) != "hello" {
		t.Errorf("получили %+v", c)
	}

	if _, err := DecodeChunk(payload[:20]); err == nil {
		t.Error("короткий payload: ожидалась ошибка")
	}
	if _, err := EncodeChunk("short", 0, nil); err == nil {
		t.Error("короткий uploadId: ожидалась ошибка")
	}
}

func TestTypeString(t *testing.T) {
	if TypeUploadChunkAck.String() != "UPLOAD_CHUNK_ACK" {
		t.Errorf("получили %q", TypeUploadChunkAck.String())
	}
	if Type(0x7f).String() != "UNKNOWN(0x7f)" {
		t.Errorf("получили %q", Type(0x7f).String())
	}
	if !TypeUploadAbort.IsUpload() || TypeHeartbeat.IsUpload() {
		t.Error("IsUpload классифицирует типы неверно")
	}
}
