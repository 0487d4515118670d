// Пакет transport — TCP/TLS листенер протокола синхронизации.
// Каждое соединение обслуживается отдельной горутиной, пакеты внутри
// соединения обрабатываются строго последовательно.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

// Uploader — операции менеджера сессий загрузки, доступные соединению.
type Uploader interface {
	Init(ctx context.Context, p service.InitParams) (*service.InitResult, error)
	Chunk(ctx context.Context, clientID, uploadID string, offset int64, data []byte) (*service.ChunkResult, error)
	Finish(ctx context.Context, clientID, uploadID, claimedHash string) (*service.FinishResult, error)
	Abort(ctx context.Context, clientID, uploadID string) error
}

// Pairer проверяет запросы сопряжения.
type Pairer interface {
	Pair(req protocol.PairingRequest, remoteAddr string) (*service.Pairing, error)
}

// Config — параметры листенера.
type Config struct {
	// Адрес вида ":8443"
	Addr string
	// nil — без TLS
	TLS            *tls.Config
	MaxConnections int
	// Таймаут чтения и записи одного пакета
	ConnTimeout time.Duration
	MaxPayload  int64
}

// Server принимает соединения и передаёт пакеты обработчику.
type Server struct {
	cfg     Config
	uploads Uploader
	pairing Pairer
	logger  *slog.Logger

	// слоты соединений
	sem chan struct{}

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer создаёт сервер протокола синхронизации.
func NewServer(cfg Config, uploads Uploader, pairing Pairer, logger *slog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 60 * time.Second
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	return &Server{
		cfg:     cfg,
		uploads: uploads,
		pairing: pairing,
		logger:  logger.With(slog.String("component", "sync")),
		sem:     make(chan struct{}, cfg.MaxConnections),
		conns:   make(map[net.Conn]struct{}),
	}
}

// LoadTLSConfig загружает сертификат и ключ сервера. Минимальная версия TLS 1.2.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("загрузка TLS сертификата: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Listen открывает TCP-листенер, обёрнутый в TLS, если он настроен.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("листенер синхронизации %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.TLS != nil {
		return tls.NewListener(ln, s.cfg.TLS), nil
	}
	return ln, nil
}

// Serve принимает соединения до отмены ctx или закрытия листенера.
// При отмене ctx закрывает все открытые соединения и дожидается их горутин.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Листенер синхронизации запущен",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLS != nil),
		slog.Int("max_connections", s.cfg.MaxConnections),
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.closeAllConns()
		case <-stop:
		}
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.reject(conn)
			}()
			continue
		}

		s.trackConn(conn)
		if ctx.Err() != nil {
			// closeAllConns мог пройти до trackConn
			_ = conn.Close()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// reject отвечает 503 соединению сверх лимита и закрывает его.
func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	s.logger.Warn("Достигнут лимит соединений",
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	c := &connState{conn: conn, srv: s, remote: conn.RemoteAddr().String()}
	c.sendError(protocol.VersionV2, protocol.CodeUnavailable, "достигнут лимит соединений")
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	middleware.SyncConnections.Inc()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	middleware.SyncConnections.Dec()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// ActiveConnections — число обслуживаемых соединений.
func (s *Server) ActiveConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// handleConn — цикл чтения пакетов одного соединения.
// Сессии загрузки переживают разрыв: клиент возобновляет их через UPLOAD_INIT.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := &connState{conn: conn, srv: s, remote: conn.RemoteAddr().String()}
	log := s.logger.With(slog.String("remote_addr", c.remote))
	log.Debug("Соединение принято")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ConnTimeout))
		pkt, err := protocol.ReadPacket(conn, s.cfg.MaxPayload)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrConnectionClosed), errors.Is(err, net.ErrClosed):
				log.Debug("Соединение закрыто клиентом")
			case errors.Is(err, protocol.ErrFraming):
				// граница следующего пакета неизвестна: закрываем без ответа
				log.Warn("Ошибка кадрирования, соединение закрыто", slog.String("error", err.Error()))
			case isTimeout(err):
				log.Info("Соединение закрыто по таймауту простоя",
					slog.String("timeout", s.cfg.ConnTimeout.String()),
				)
			default:
				log.Warn("Ошибка чтения пакета", slog.String("error", err.Error()))
			}
			return
		}

		if !c.dispatch(ctx, pkt) {
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// codeLabel — значение метки code для ms_protocol_errors_total.
func codeLabel(code int) string {
	return strconv.Itoa(code)
}
