// discovery.go — UDP-анонс сервера: пакет DISCOVERY v1 с портом
// синхронизации и именем сервера рассылается с периодом MS_DISCOVERY_INTERVAL.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
)

// DiscoveryConfig — параметры анонса.
type DiscoveryConfig struct {
	// Адрес назначения, обычно 255.255.255.255:<порт клиентов>
	Target     *net.UDPAddr
	Interval   time.Duration
	ServerName string
	// Порт листенера синхронизации, который объявляется клиентам
	SyncPort int
}

// Broadcaster периодически отправляет DISCOVERY.
type Broadcaster struct {
	cfg    DiscoveryConfig
	conn   *net.UDPConn
	packet []byte
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcaster открывает UDP-сокет с правом широковещания и
// сериализует пакет один раз.
func NewBroadcaster(cfg DiscoveryConfig, logger *slog.Logger) (*Broadcaster, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("discovery: не задан адрес назначения")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}

	pkt, err := protocol.NewJSONPacket(protocol.VersionV1, protocol.TypeDiscovery, protocol.Discovery{
		Service:    protocol.DiscoveryService,
		Port:       cfg.SyncPort,
		ServerName: cfg.ServerName,
	})
	if err != nil {
		return nil, err
	}
	buf, err := protocol.Encode(pkt.Version, pkt.Type, pkt.Payload)
	if err != nil {
		return nil, err
	}

	// net включает SO_BROADCAST для UDP-сокетов
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("discovery: UDP сокет: %w", err)
	}

	return &Broadcaster{
		cfg:    cfg,
		conn:   conn,
		packet: buf,
		logger: logger.With(slog.String("component", "discovery")),
	}, nil
}

// Start запускает рассылку. Первый анонс — сразу после старта.
func (b *Broadcaster) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.run(runCtx)

	b.logger.Info("Discovery запущен",
		slog.String("target", b.cfg.Target.String()),
		slog.String("interval", b.cfg.Interval.String()),
	)
}

// Stop останавливает рассылку и закрывает сокет.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	_ = b.conn.Close()
	b.logger.Info("Discovery остановлен")
}

// Run — Start, ожидание отмены ctx и Stop. Форма компаньона server.Run.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.Start(ctx)
	<-ctx.Done()
	b.Stop()
	return nil
}

func (b *Broadcaster) run(ctx context.Context) {
	defer b.wg.Done()

	b.send()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.send()
		}
	}
}

// send отправляет один анонс. Ошибка отправки не останавливает рассылку.
func (b *Broadcaster) send() {
	if _, err := b.conn.WriteToUDP(b.packet, b.cfg.Target); err != nil {
		b.logger.Warn("Ошибка отправки discovery", slog.String("error", err.Error()))
	}
}
