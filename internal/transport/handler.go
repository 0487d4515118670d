package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/session"
	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

// connState — состояние одного соединения. Используется только горутиной соединения.
type connState struct {
	conn   net.Conn
	srv    *Server
	remote string
	// nil до успешного PAIRING_REQUEST
	paired *service.Pairing
}

// dispatch обрабатывает один пакет. false — соединение нужно закрыть.
func (c *connState) dispatch(ctx context.Context, pkt *protocol.Packet) bool {
	if pkt.Type.IsUpload() {
		if pkt.Version != protocol.VersionV2 {
			return c.sendError(pkt.Version, protocol.CodeBadRequest, pkt.Type.String()+" требует версию протокола 2")
		}
		if c.paired == nil {
			return c.sendError(pkt.Version, protocol.CodeNotPaired, "соединение не сопряжено")
		}
		return c.handleUpload(ctx, pkt)
	}

	switch pkt.Type {
	case protocol.TypeHeartbeat:
		return c.send(&protocol.Packet{Version: pkt.Version, Type: protocol.TypeHeartbeat, Payload: pkt.Payload})

	case protocol.TypePairingRequest:
		return c.handlePairing(pkt)

	case protocol.TypeMetadata, protocol.TypeTransferReady, protocol.TypeFileChunk, protocol.TypeTransferComplete:
		return c.sendError(pkt.Version, protocol.CodeBadRequest, "передача v1 не поддерживается, используйте UPLOAD_INIT")

	default:
		return c.sendError(pkt.Version, protocol.CodeBadRequest, "неподдерживаемый пакет "+pkt.Type.String())
	}
}

func (c *connState) handlePairing(pkt *protocol.Packet) bool {
	var req protocol.PairingRequest
	if err := pkt.DecodeJSON(&req); err != nil {
		return c.sendError(pkt.Version, protocol.CodeBadRequest, err.Error())
	}

	p, err := c.srv.pairing.Pair(req, c.remote)
	if err != nil {
		// повторное сопряжение с неверными данными снимает прежнее
		c.paired = nil
		return c.sendJSON(pkt.Version, protocol.TypePairingResponse, protocol.PairingResponse{
			Success: false,
			Message: err.Error(),
		})
	}
	c.paired = p
	return c.sendJSON(pkt.Version, protocol.TypePairingResponse, protocol.PairingResponse{
		SessionID: p.SessionID,
		Success:   true,
	})
}

func (c *connState) handleUpload(ctx context.Context, pkt *protocol.Packet) bool {
	clientID := c.paired.DeviceID

	switch pkt.Type {
	case protocol.TypeUploadInit:
		var req protocol.UploadInit
		if err := pkt.DecodeJSON(&req); err != nil {
			return c.sendError(pkt.Version, protocol.CodeBadRequest, err.Error())
		}
		res, err := c.srv.uploads.Init(ctx, service.InitParams{
			ClientID: clientID,
			Filename: req.Filename,
			Size:     req.Size,
			Hash:     req.Hash,
			MimeType: req.MimeType,
			TraceID:  req.TraceID,
		})
		if err != nil {
			return c.sendFailure(pkt.Version, err)
		}
		status := protocol.AckActive
		if res.Status == session.StatusResuming {
			status = protocol.AckResuming
		}
		return c.sendJSON(pkt.Version, protocol.TypeUploadAck, protocol.UploadAck{
			UploadID:      res.UploadID,
			Status:        status,
			ReceivedBytes: res.ReceivedBytes,
			ChunkSize:     res.ChunkSize,
		})

	case protocol.TypeUploadChunk:
		chunk, err := protocol.DecodeChunk(pkt.Payload)
		if err != nil {
			return c.sendError(pkt.Version, protocol.CodeBadRequest, err.Error())
		}
		res, err := c.srv.uploads.Chunk(ctx, clientID, chunk.UploadID, chunk.Offset, chunk.Data)
		if err != nil {
			return c.sendFailure(pkt.Version, err)
		}
		return c.sendJSON(pkt.Version, protocol.TypeUploadChunkAck, protocol.ChunkAck{
			UploadID:      res.UploadID,
			ReceivedBytes: res.ReceivedBytes,
			Status:        string(res.Status),
		})

	case protocol.TypeUploadFinish:
		var req protocol.UploadFinish
		if err := pkt.DecodeJSON(&req); err != nil {
			return c.sendError(pkt.Version, protocol.CodeBadRequest, err.Error())
		}
		res, err := c.srv.uploads.Finish(ctx, clientID, req.UploadID, req.SHA256)
		if err != nil {
			return c.sendFailure(pkt.Version, err)
		}
		return c.sendJSON(pkt.Version, protocol.TypeUploadResult, protocol.UploadResult{
			UploadID: res.UploadID,
			Status:   protocol.ResultSuccess,
			MediaID:  res.MediaID,
		})

	case protocol.TypeUploadAbort:
		var req protocol.UploadAbort
		if err := pkt.DecodeJSON(&req); err != nil {
			return c.sendError(pkt.Version, protocol.CodeBadRequest, err.Error())
		}
		if err := c.srv.uploads.Abort(ctx, clientID, req.UploadID); err != nil {
			return c.sendFailure(pkt.Version, err)
		}
		return c.sendJSON(pkt.Version, protocol.TypeUploadResult, protocol.UploadResult{
			UploadID: req.UploadID,
			Status:   protocol.ResultAborted,
		})
	}
	return c.sendError(pkt.Version, protocol.CodeBadRequest, "неподдерживаемый пакет "+pkt.Type.String())
}

// sendFailure превращает ошибку менеджера загрузок в PROTOCOL_ERROR.
// Соединение остаётся открытым.
func (c *connState) sendFailure(version uint8, err error) bool {
	var perr *service.ProtocolError
	if errors.As(err, &perr) {
		return c.sendError(version, perr.Code, perr.Message)
	}
	c.srv.logger.Error("Ошибка обработки пакета",
		slog.String("remote_addr", c.remote),
		slog.String("error", err.Error()),
	)
	return c.sendError(version, protocol.CodeInternal, "внутренняя ошибка сервера")
}

func (c *connState) sendError(version uint8, code int, message string) bool {
	middleware.ProtocolErrorsTotal.WithLabelValues(codeLabel(code)).Inc()
	return c.sendJSON(version, protocol.TypeProtocolError, protocol.ErrorMessage{Code: code, Message: message})
}

func (c *connState) sendJSON(version uint8, t protocol.Type, v any) bool {
	pkt, err := protocol.NewJSONPacket(version, t, v)
	if err != nil {
		c.srv.logger.Error("Ошибка сериализации ответа",
			slog.String("type", t.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return c.send(pkt)
}

// send пишет пакет с таймаутом записи. Ошибка записи закрывает соединение.
func (c *connState) send(pkt *protocol.Packet) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.ConnTimeout))
	if err := protocol.WritePacket(c.conn, pkt); err != nil {
		c.srv.logger.Debug("Ошибка записи ответа",
			slog.String("remote_addr", c.remote),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
