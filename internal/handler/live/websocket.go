package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/md2gost/studio/backend/internal/editor"
	"github.com/md2gost/studio/backend/internal/editor/preview"
	"github.com/md2gost/studio/backend/internal/editor/syncer"
	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/internal/observability"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	closeTimeout = 10 * time.Second
	maxMessage   = 8 << 20
)

// Handler 实时编辑的WebSocket处理器，每个连接持有一个编辑会话
type Handler struct {
	backend  syncer.Backend
	renderer preview.Renderer
	cfg      editor.Config
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(backend syncer.Backend, renderer preview.Renderer, cfg editor.Config) *Handler {
	return &Handler{
		backend:  backend,
		renderer: renderer,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/live/{shortID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// EditMessage 编辑内容
type EditMessage struct {
	Markdown string `json:"markdown"`
}

// OptionsMessage 渲染选项
type OptionsMessage struct {
	SyntaxHighlighting bool `json:"syntaxHighlighting"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// conn 串行化所有写操作，gorilla/websocket 不支持并发写
type conn struct {
	ws        *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *conn) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket 处理实时编辑连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[live] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	observability.LiveConnectionOpened()
	defer observability.LiveConnectionClosed()

	sess, err := editor.Open(r.Context(), h.backend, h.renderer, shortID, h.cfg)
	if err != nil {
		log.Printf("[live] open session %s failed: %v", shortID, err)
		c := &conn{ws: ws}
		c.send("error", map[string]string{"message": "session storage unavailable"})
		return
	}

	boot := sess.Bootstrap()
	c := &conn{ws: ws, sessionID: boot.SessionID}
	log.Printf("[live] connection opened session=%s short=%s created=%t", boot.SessionID, boot.ShortID, boot.Created)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		h.forwardUpdates(c, sess.Updates())
	}()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Printf("[live] final save for session=%s failed: %v", boot.SessionID, err)
		}
		<-forwarded
		log.Printf("[live] connection closed session=%s", boot.SessionID)
	}()

	if err := c.send("session", boot); err != nil {
		return
	}

	ws.SetReadLimit(maxMessage)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(ctx, c)

	for {
		var msg inboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[live] read error: %v", err)
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(pongWait))

		if msg.SessionID != "" && msg.SessionID != boot.SessionID {
			c.send("error", map[string]string{"message": "session mismatch"})
			continue
		}

		h.handleMessage(c, sess, &msg)
	}
}

func (h *Handler) handleMessage(c *conn, sess *editor.Session, msg *inboundMessage) {
	switch msg.Type {
	case "edit":
		var edit EditMessage
		if err := json.Unmarshal(msg.Data, &edit); err != nil {
			c.send("error", map[string]string{"message": "invalid edit payload"})
			return
		}
		sess.Edit(edit.Markdown)
	case "options":
		var opts OptionsMessage
		if err := json.Unmarshal(msg.Data, &opts); err != nil {
			c.send("error", map[string]string{"message": "invalid options payload"})
			return
		}
		sess.SetOptions(session.RenderOptions{SyntaxHighlighting: opts.SyntaxHighlighting})
	default:
		c.send("error", map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// forwardUpdates 把预览调度器的输出推给客户端，直到调度器关闭
func (h *Handler) forwardUpdates(c *conn, updates <-chan preview.Update) {
	for u := range updates {
		var data interface{}
		switch u.Kind {
		case preview.UpdatePreview:
			data = map[string]interface{}{
				"seq":    u.Seq,
				"format": u.Preview.Format,
				"data":   u.Preview.Data,
				"pages":  u.Preview.Pages,
			}
		case preview.UpdateError:
			data = map[string]interface{}{"seq": u.Seq, "message": errorMessage(u.Err)}
		case preview.UpdateLoading:
			data = map[string]bool{"loading": u.Loading}
		case preview.UpdateEmpty:
			data = map[string]string{}
		}
		// 写失败时也要继续读空通道，让调度器能正常退出
		c.send(u.Kind.String(), data)
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
