package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// 入站消息类型
const (
	TypeText         = "text"
	TypeSubmit       = "submit"
	TypeInput        = "input"
	TypeVoice        = "voice"
	TypeDemographics = "demographics"
	TypeReset        = "reset"
	TypeLanguage     = "language"
)

// 出站消息类型
const (
	TypeMessage = "message"
	TypeResult  = "result"
	TypeInfo    = "info"
	TypeError   = "error"
)

// Handler WebSocket对话处理器
type Handler struct {
	orch     *turn.Orchestrator
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(orch *turn.Orchestrator, log zerolog.Logger) *Handler {
	return &Handler{
		orch: orch,
		log:  log.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

// VoiceMessage 语音转写结果，只追加到输入框
type VoiceMessage struct {
	Transcript string `json:"transcript"`
}

// DemographicsMessage 年龄性别表单
type DemographicsMessage struct {
	Age    string `json:"age"`
	Gender string `json:"gender"`
}

// LanguageMessage 切换语言
type LanguageMessage struct {
	Language string `json:"language"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection serialises writes; gorilla allows one concurrent writer.
type connection struct {
	conn      *websocket.Conn
	sessionID string
	log       zerolog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

func (c *connection) write(msgType string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Debug().Err(err).Str("type", msgType).Msg("write failed")
	}
}

func (c *connection) sendError(message string) {
	c.write(TypeError, map[string]string{"message": message})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.orch.Sessions().GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{conn: conn, sessionID: sessionID, log: h.log.With().Str("session", sessionID).Logger()}
	c.log.Info().Msg("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.wg.Wait()
		c.log.Info().Msg("connection closed")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	c.write(TypeInfo, map[string]any{
		"type":    "connected",
		"session": session.Snapshot(),
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.SessionID != "" && msg.SessionID != sessionID {
			c.sendError("session mismatch")
			continue
		}

		h.handleMessage(ctx, c, &msg)
	}
}

// handleMessage 分发入站消息；对话轮次在后台执行，读循环继续接收 reset。
func (h *Handler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) {
	switch msg.Type {
	case TypeText:
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			c.sendError("invalid text payload")
			return
		}
		h.runTurn(c, func(sink turn.Sink) (turn.Result, error) {
			return h.orch.SubmitTurn(ctx, c.sessionID, text.Text, sink)
		})
	case TypeSubmit:
		h.runTurn(c, func(sink turn.Sink) (turn.Result, error) {
			return h.orch.SubmitInput(ctx, c.sessionID, sink)
		})
	case TypeDemographics:
		var form DemographicsMessage
		if err := json.Unmarshal(msg.Data, &form); err != nil {
			c.sendError("invalid demographics payload")
			return
		}
		h.runTurn(c, func(sink turn.Sink) (turn.Result, error) {
			return h.orch.SubmitDemographics(ctx, c.sessionID, form.Age, form.Gender, sink)
		})
	case TypeInput:
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			c.sendError("invalid input payload")
			return
		}
		if err := h.orch.Sessions().SetInput(ctx, c.sessionID, text.Text); err != nil {
			c.sendError(err.Error())
			return
		}
		c.write(TypeInfo, map[string]any{"type": "input", "input": text.Text})
	case TypeVoice:
		var voice VoiceMessage
		if err := json.Unmarshal(msg.Data, &voice); err != nil {
			c.sendError("invalid voice payload")
			return
		}
		input, err := h.orch.Sessions().AppendVoice(ctx, c.sessionID, voice.Transcript)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.write(TypeInfo, map[string]any{"type": "input", "input": input})
	case TypeReset:
		welcome, err := h.orch.Reset(ctx, c.sessionID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.write(TypeInfo, map[string]any{"type": "reset"})
		c.write(TypeMessage, welcome)
	case TypeLanguage:
		var lang LanguageMessage
		if err := json.Unmarshal(msg.Data, &lang); err != nil {
			c.sendError("invalid language payload")
			return
		}
		if err := h.orch.Sessions().SetLanguage(ctx, c.sessionID, locale.Language(lang.Language)); err != nil {
			c.sendError(err.Error())
			return
		}
		parsed, _ := locale.Parse(lang.Language)
		c.write(TypeInfo, map[string]any{"type": "language", "language": parsed, "direction": parsed.Direction()})
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

func (h *Handler) runTurn(c *connection, submit func(turn.Sink) (turn.Result, error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := submit(func(m chat.Message) {
			c.write(TypeMessage, m)
		})
		if err != nil {
			c.log.Error().Err(err).Msg("turn failed")
			c.sendError(err.Error())
			return
		}
		c.write(TypeResult, res)
	}()
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
