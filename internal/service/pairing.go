// pairing.go — сопряжение устройства в рамках одного соединения.
package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
)

// maxDeviceIDLength — предел длины deviceId.
const maxDeviceIDLength = 128

var (
	// ErrPairingRejected — неверный токен сопряжения.
	ErrPairingRejected = errors.New("сопряжение отклонено")
	// ErrInvalidDevice — некорректный deviceId.
	ErrInvalidDevice = errors.New("некорректный идентификатор устройства")
)

// Pairing — результат успешного сопряжения. Живёт только в соединении:
// после переподключения устройство сопрягается заново.
type Pairing struct {
	SessionID  string
	DeviceID   string
	DeviceName string
}

// PairingService проверяет запросы сопряжения.
// Пустой MS_PAIRING_TOKEN — доверие при первом подключении.
type PairingService struct {
	token  []byte
	logger *slog.Logger
}

// NewPairingService создаёт сервис сопряжения.
func NewPairingService(token string, logger *slog.Logger) *PairingService {
	return &PairingService{
		token:  []byte(token),
		logger: logger.With(slog.String("component", "pairing")),
	}
}

// Pair проверяет запрос и выдаёт идентификатор сессии соединения.
func (s *PairingService) Pair(req protocol.PairingRequest, remoteAddr string) (*Pairing, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" || len(deviceID) > maxDeviceIDLength {
		middleware.OperationsTotal.WithLabelValues("pairing", "invalid").Inc()
		return nil, ErrInvalidDevice
	}
	if len(s.token) > 0 && subtle.ConstantTimeCompare([]byte(req.Token), s.token) != 1 {
		middleware.OperationsTotal.WithLabelValues("pairing", "rejected").Inc()
		s.logger.Warn("Сопряжение отклонено: неверный токен",
			slog.String("device_id", deviceID),
			slog.String("remote_addr", remoteAddr),
		)
		return nil, ErrPairingRejected
	}

	sid := make([]byte, 16)
	if _, err := rand.Read(sid); err != nil {
		return nil, fmt.Errorf("ошибка генерации идентификатора сессии: %w", err)
	}
	p := &Pairing{
		SessionID:  hex.EncodeToString(sid),
		DeviceID:   deviceID,
		DeviceName: req.DeviceName,
	}

	middleware.OperationsTotal.WithLabelValues("pairing", "success").Inc()
	s.logger.Info("Устройство сопряжено",
		slog.String("device_id", deviceID),
		slog.String("device_name", req.DeviceName),
		slog.String("device_type", req.DeviceType),
		slog.String("remote_addr", remoteAddr),
	)
	return p, nil
}
