package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Frame is a client WebSocket message.
type Frame struct {
	Action      string `json:"action"`
	UserMessage string `json:"user_message,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// ReplyFrame answers one Frame. Exactly one of Flow, Reset or Error is set.
type ReplyFrame struct {
	Action string         `json:"action"`
	Flow   *FlowResponse  `json:"flow,omitempty"`
	Reset  *ResetResponse `json:"reset,omitempty"`
	Error  string         `json:"error,omitempty"`
	Status int            `json:"status"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			// A malformed frame closes the connection with StatusInvalidFramePayloadData.
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		reply := s.answer(ctx, frame)
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			s.logger.Debug("WebSocket write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) answer(ctx context.Context, frame Frame) ReplyFrame {
	reply := ReplyFrame{Action: frame.Action, Status: http.StatusOK}

	var err error
	switch frame.Action {
	case ActionStart, ActionResume:
		var resp FlowResponse
		resp, err = s.flow(ctx, frame.Action, FlowRequest{UserMessage: frame.UserMessage, SessionID: frame.SessionID})
		if err == nil {
			reply.Flow = &resp
		}
	case ActionReset:
		var resp ResetResponse
		resp, err = s.reset(ctx, frame.SessionID)
		if err == nil {
			reply.Reset = &resp
		}
	default:
		err = fmt.Errorf("%w: unknown action %q", errMalformedRequest, frame.Action)
	}

	if err != nil {
		reply.Status = statusFor(err)
		reply.Error = err.Error()
		if reply.Status >= http.StatusInternalServerError {
			s.logger.Error("WebSocket request failed", zap.String("action", frame.Action), zap.Error(err))
		}
	}
	return reply
}
