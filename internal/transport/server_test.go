package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/session"
	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

const testUploadID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUploader запоминает вызовы и возвращает заданные ошибки.
type fakeUploader struct {
	mu        sync.Mutex
	clientIDs []string
	received  int64
	finishErr error
	abortErr  error
}

func (f *fakeUploader) record(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientIDs = append(f.clientIDs, clientID)
}

func (f *fakeUploader) Init(_ context.Context, p service.InitParams) (*service.InitResult, error) {
	f.record(p.ClientID)
	status := session.StatusActive
	if f.received > 0 {
		status = session.StatusResuming
	}
	return &service.InitResult{UploadID: testUploadID, Status: status, ReceivedBytes: f.received, ChunkSize: 1024}, nil
}

func (f *fakeUploader) Chunk(_ context.Context, clientID, uploadID string, offset int64, data []byte) (*service.ChunkResult, error) {
	f.record(clientID)
	if offset != f.received {
		return nil, &service.ProtocolError{Code: protocol.CodeBadRequest, Message: "разрыв"}
	}
	f.received += int64(len(data))
	return &service.ChunkResult{UploadID: uploadID, ReceivedBytes: f.received, Status: session.StatusActive}, nil
}

func (f *fakeUploader) Finish(_ context.Context, clientID, uploadID, _ string) (*service.FinishResult, error) {
	f.record(clientID)
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	return &service.FinishResult{UploadID: uploadID, MediaID: 42, Created: true}, nil
}

func (f *fakeUploader) Abort(_ context.Context, clientID, _ string) error {
	f.record(clientID)
	return f.abortErr
}

// pipeConn запускает обработчик на серверном конце net.Pipe и возвращает клиентский.
func pipeConn(t *testing.T, up *fakeUploader, token string) net.Conn {
	t.Helper()
	srv := NewServer(Config{ConnTimeout: 5 * time.Second}, up, service.NewPairingService(token, testLogger()), testLogger())
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConn(context.Background(), server)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return client
}

func send(t *testing.T, conn net.Conn, version uint8, typ protocol.Type, v any) {
	t.Helper()
	pkt, err := protocol.NewJSONPacket(version, typ, v)
	if err != nil {
		t.Fatalf("NewJSONPacket: %v", err)
	}
	if err := protocol.WritePacket(conn, pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
}

func recv(t *testing.T, conn net.Conn, want protocol.Type, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := protocol.ReadPacket(conn, protocol.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != want {
		t.Fatalf("ожидался %s, получен %s (%s)", want, pkt.Type, pkt.Payload)
	}
	if v != nil {
		if err := pkt.DecodeJSON(v); err != nil {
			t.Fatalf("DecodeJSON: %v", err)
		}
	}
}

func expectError(t *testing.T, conn net.Conn, code int) {
	t.Helper()
	var msg protocol.ErrorMessage
	recv(t, conn, protocol.TypeProtocolError, &msg)
	if msg.Code != code {
		t.Fatalf("код ошибки: хотели %d, получили %d (%s)", code, msg.Code, msg.Message)
	}
}

func pair(t *testing.T, conn net.Conn, deviceID, token string) protocol.PairingResponse {
	t.Helper()
	send(t, conn, protocol.VersionV1, protocol.TypePairingRequest, protocol.PairingRequest{
		DeviceID:   deviceID,
		DeviceName: "Pixel",
		Token:      token,
	})
	var resp protocol.PairingResponse
	recv(t, conn, protocol.TypePairingResponse, &resp)
	return resp
}

func TestConn_UploadRequiresPairing(t *testing.T) {
	up := &fakeUploader{}
	conn := pipeConn(t, up, "")

	send(t, conn, protocol.VersionV2, protocol.TypeUploadInit, protocol.UploadInit{Filename: "a.jpg", Size: 10, Hash: "x"})
	expectError(t, conn, protocol.CodeNotPaired)

	resp := pair(t, conn, "phone-1", "")
	if !resp.Success || resp.SessionID == "" {
		t.Fatalf("сопряжение: %+v", resp)
	}

	send(t, conn, protocol.VersionV2, protocol.TypeUploadInit, protocol.UploadInit{Filename: "a.jpg", Size: 10, Hash: "x"})
	var ack protocol.UploadAck
	recv(t, conn, protocol.TypeUploadAck, &ack)
	if ack.UploadID != testUploadID || ack.Status != protocol.AckActive {
		t.Errorf("UPLOAD_ACK: %+v", ack)
	}
	if len(up.clientIDs) != 1 || up.clientIDs[0] != "phone-1" {
		t.Errorf("clientId должен браться из сопряжения: %v", up.clientIDs)
	}
}

func TestConn_PairingRejected(t *testing.T) {
	conn := pipeConn(t, &fakeUploader{}, "s3cret")

	resp := pair(t, conn, "phone-1", "guess")
	if resp.Success || resp.SessionID != "" {
		t.Fatalf("неверный токен должен отклоняться: %+v", resp)
	}

	// соединение остаётся открытым, но не сопряжённым
	send(t, conn, protocol.VersionV2, protocol.TypeUploadAbort, protocol.UploadAbort{UploadID: testUploadID})
	expectError(t, conn, protocol.CodeNotPaired)

	if resp := pair(t, conn, "phone-1", "s3cret"); !resp.Success {
		t.Fatalf("верный токен: %+v", resp)
	}
}

func TestConn_ChunkFlowAndResume(t *testing.T) {
	up := &fakeUploader{}
	conn := pipeConn(t, up, "")
	pair(t, conn, "phone-1", "")

	payload, err := protocol.EncodeChunk(testUploadID, 0, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	if err := protocol.WritePacket(conn, &protocol.Packet{Version: protocol.VersionV2, Type: protocol.TypeUploadChunk, Payload: payload}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	var ack protocol.ChunkAck
	recv(t, conn, protocol.TypeUploadChunkAck, &ack)
	if ack.ReceivedBytes != 5 {
		t.Errorf("receivedBytes: хотели 5, получили %d", ack.ReceivedBytes)
	}

	// разрыв возвращается как PROTOCOL_ERROR, соединение живо
	gap, _ := protocol.EncodeChunk(testUploadID, 100, []byte("x"))
	if err := protocol.WritePacket(conn, &protocol.Packet{Version: protocol.VersionV2, Type: protocol.TypeUploadChunk, Payload: gap}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	expectError(t, conn, protocol.CodeBadRequest)

	send(t, conn, protocol.VersionV2, protocol.TypeUploadInit, protocol.UploadInit{Filename: "a.jpg", Size: 10, Hash: "x"})
	var initAck protocol.UploadAck
	recv(t, conn, protocol.TypeUploadAck, &initAck)
	if initAck.Status != protocol.AckResuming || initAck.ReceivedBytes != 5 {
		t.Errorf("возобновление: %+v", initAck)
	}

	// короткий payload чанка
	if err := protocol.WritePacket(conn, &protocol.Packet{Version: protocol.VersionV2, Type: protocol.TypeUploadChunk, Payload: []byte("short")}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	expectError(t, conn, protocol.CodeBadRequest)
}

func TestConn_FinishAndAbort(t *testing.T) {
	up := &fakeUploader{}
	conn := pipeConn(t, up, "")
	pair(t, conn, "phone-1", "")

	send(t, conn, protocol.VersionV2, protocol.TypeUploadFinish, protocol.UploadFinish{UploadID: testUploadID, SHA256: "x"})
	var result protocol.UploadResult
	recv(t, conn, protocol.TypeUploadResult, &result)
	if result.Status != protocol.ResultSuccess || result.MediaID != 42 {
		t.Errorf("UPLOAD_RESULT: %+v", result)
	}

	up.finishErr = &service.ProtocolError{Code: protocol.CodeHashConflict, Message: "хэш не совпадает"}
	send(t, conn, protocol.VersionV2, protocol.TypeUploadFinish, protocol.UploadFinish{UploadID: testUploadID, SHA256: "y"})
	expectError(t, conn, protocol.CodeHashConflict)

	up.finishErr = errors.New("диск недоступен")
	send(t, conn, protocol.VersionV2, protocol.TypeUploadFinish, protocol.UploadFinish{UploadID: testUploadID, SHA256: "y"})
	expectError(t, conn, protocol.CodeInternal)

	send(t, conn, protocol.VersionV2, protocol.TypeUploadAbort, protocol.UploadAbort{UploadID: testUploadID})
	recv(t, conn, protocol.TypeUploadResult, &result)
	if result.Status != protocol.ResultAborted || result.UploadID != testUploadID {
		t.Errorf("отмена: %+v", result)
	}

	up.abortErr = &service.ProtocolError{Code: protocol.CodeForbidden, Message: "чужая сессия"}
	send(t, conn, protocol.VersionV2, protocol.TypeUploadAbort, protocol.UploadAbort{UploadID: testUploadID})
	expectError(t, conn, protocol.CodeForbidden)
}

func TestConn_HeartbeatAndUnsupported(t *testing.T) {
	conn := pipeConn(t, &fakeUploader{}, "")

	if err := protocol.WritePacket(conn, &protocol.Packet{Version: protocol.VersionV1, Type: protocol.TypeHeartbeat, Payload: []byte("ping")}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := protocol.ReadPacket(conn, protocol.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != protocol.TypeHeartbeat || string(pkt.Payload) != "ping" {
		t.Errorf("HEARTBEAT должен возвращаться эхом: %s %q", pkt.Type, pkt.Payload)
	}

	// Без сопряжения пакет загрузки версии 2 отклоняется как 401
	send(t, conn, protocol.VersionV2, protocol.TypeUploadAck, struct{}{})
	expectError(t, conn, protocol.CodeNotPaired)
	if resp := pair(t, conn, "dev-1", ""); !resp.Success {
		t.Fatalf("сопряжение: %+v", resp)
	}

	tests := []struct {
		name    string
		version uint8
		typ     protocol.Type
	}{
		{name: "передача v1", version: protocol.VersionV1, typ: protocol.TypeMetadata},
		{name: "UPLOAD_INIT с версией 1", version: protocol.VersionV1, typ: protocol.TypeUploadInit},
		{name: "серверный пакет от клиента", version: protocol.VersionV2, typ: protocol.TypeUploadAck},
		{name: "неизвестный тип", version: protocol.VersionV2, typ: protocol.Type(0x7f)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.version, tt.typ, struct{}{})
			expectError(t, conn, protocol.CodeBadRequest)
		})
	}
}

func TestConn_FramingErrorClosesConnection(t *testing.T) {
	conn := pipeConn(t, &fakeUploader{}, "")

	if _, err := conn.Write([]byte{0xde, 0xad, 0x02, 0x10, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Ответа нет: соединение закрывается сразу
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadPacket(conn, protocol.DefaultMaxPayload); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Errorf("после ошибки кадрирования соединение должно закрываться, получено %v", err)
	}
}

// selfSignedTLS создаёт TLS-конфигурацию с самоподписанным сертификатом.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "media-sync-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// startServer запускает Serve на 127.0.0.1:0 и останавливает его в Cleanup.
func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, &fakeUploader{}, service.NewPairingService("", testLogger()), testLogger())
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve не завершился после отмены контекста")
		}
	})
	return srv, ln.Addr().String()
}

func TestServer_TLS(t *testing.T) {
	_, addr := startServer(t, Config{TLS: selfSignedTLS(t), ConnTimeout: 5 * time.Second})

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()

	resp := pair(t, conn, "phone-1", "")
	if !resp.Success {
		t.Fatalf("сопряжение по TLS: %+v", resp)
	}

	// TLS 1.1 отклоняется
	old, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, MaxVersion: tls.VersionTLS11})
	if err == nil {
		_ = old.Close()
		t.Error("рукопожатие TLS 1.1 должно отклоняться")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	srv, addr := startServer(t, Config{MaxConnections: 1, ConnTimeout: 5 * time.Second})

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	// ответ на пакет гарантирует, что первое соединение заняло слот
	pair(t, first, "phone-1", "")

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	expectError(t, second, protocol.CodeUnavailable)

	if n := srv.ActiveConnections(); n != 1 {
		t.Errorf("ActiveConnections: хотели 1, получили %d", n)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	_, addr := startServer(t, Config{ConnTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadPacket(conn, protocol.DefaultMaxPayload); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Errorf("простаивающее соединение должно закрываться, получено %v", err)
	}
}
