// Package devserver 提供开发/联调用的协议服务端。
//
// 行为对齐真实后端的对外面貌: WebSocket 推送同一套入站事件,
// REST 走 {code, message, data} 信封; 应答内容则是脚本化的回声流,
// 足够驱动客户端的全部路径 (聚合、取消、历史回放、重连)。
package devserver

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fkteams/webchat/internal/api"
	"github.com/fkteams/webchat/internal/session"
	apperrors "github.com/fkteams/webchat/pkg/errors"
	"github.com/fkteams/webchat/pkg/logger"
	"github.com/fkteams/webchat/pkg/util"
)

// EchoAgentName 脚本应答的发言者名称。
const EchoAgentName = "回声者"

// Server 开发服务端。
type Server struct {
	store        *HistoryStore
	agents       []api.AgentInfo
	upgrader     websocket.Upgrader
	workspaceDir string

	// streamDelay 流式片段之间的间隔, 测试设 0。
	streamDelay time.Duration
}

// New 创建服务端, 日志写入 historyDir, 文件接口挂在当前目录。
func New(historyDir string) (*Server, error) {
	store, err := NewHistoryStore(historyDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:        store,
		workspaceDir: ".",
		agents: []api.AgentInfo{
			{Name: EchoAgentName, Description: "原样复述输入"},
			{Name: "写作者", Description: "负责写作"},
			{Name: "审核者", Description: "负责审核"},
		},
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		streamDelay: 20 * time.Millisecond,
	}, nil
}

// Router 构造 gin 路由。
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.handleWS)

	apiV1 := r.Group("/api/fkteams")
	{
		apiV1.GET("/agents", s.handleAgents)
		apiV1.GET("/files", s.handleFiles)
		apiV1.GET("/history/files", s.handleListHistory)
		apiV1.DELETE("/history/files/:filename", s.handleDeleteHistory)
		apiV1.POST("/history/files/rename", s.handleRenameHistory)
	}
	return r
}

// ---- REST ----

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": data})
}

func fail(c *gin.Context, httpCode int, desc string) {
	c.JSON(httpCode, gin.H{"code": 1, "message": desc})
}

func (s *Server) handleAgents(c *gin.Context) {
	ok(c, s.agents)
}

func (s *Server) handleListHistory(c *gin.Context) {
	files, err := s.store.List()
	if err != nil {
		fail(c, http.StatusInternalServerError, "读取目录失败")
		return
	}
	ok(c, gin.H{"files": files})
}

func (s *Server) handleDeleteHistory(c *gin.Context) {
	err := s.store.Delete(c.Param("filename"))
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		fail(c, http.StatusNotFound, "文件不存在")
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		fail(c, http.StatusBadRequest, "无效的文件名")
	case err != nil:
		fail(c, http.StatusInternalServerError, "删除失败")
	default:
		ok(c, gin.H{"filename": c.Param("filename")})
	}
}

// handleFiles 列出工作区目录内容, 拒绝目录穿越。
func (s *Server) handleFiles(c *gin.Context) {
	subPath := c.Query("path")
	fullPath := s.workspaceDir
	if subPath != "" {
		clean := filepath.Clean(subPath)
		if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
			fail(c, http.StatusBadRequest, "无效的路径")
			return
		}
		fullPath = filepath.Join(s.workspaceDir, clean)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		fail(c, http.StatusNotFound, "目录不存在或无法访问")
		return
	}

	files := make([]api.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, api.FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(subPath, entry.Name()),
			IsDir:   entry.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
	}
	ok(c, files)
}

func (s *Server) handleRenameHistory(c *gin.Context) {
	var req struct {
		OldFilename string `json:"old_filename" binding:"required"`
		NewFilename string `json:"new_filename" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "参数不完整")
		return
	}
	err := s.store.Rename(req.OldFilename, req.NewFilename)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		fail(c, http.StatusNotFound, "文件不存在")
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		fail(c, http.StatusBadRequest, "目标文件名不可用")
	case err != nil:
		fail(c, http.StatusInternalServerError, "重命名失败")
	default:
		ok(c, gin.H{"new_filename": req.NewFilename})
	}
}

// ---- WebSocket ----

// inboundCmd 客户端命令帧。
type inboundCmd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Mode      string `json:"mode"`
	AgentName string `json:"agent_name"`
}

// wsSession 一条 WS 连接的状态。
// 会话标识与取消标志被脚本 goroutine 并发访问, 统一走锁。
type wsSession struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	cancelled bool
}

func (w *wsSession) setSessionID(id string) {
	w.mu.Lock()
	w.sessionID = id
	w.mu.Unlock()
}

func (w *wsSession) currentSessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *wsSession) send(payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(payload)
}

func (w *wsSession) markCancelled(v bool) {
	w.mu.Lock()
	w.cancelled = v
	w.mu.Unlock()
}

func (w *wsSession) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("devserver: upgrade failed", logger.FieldError, err)
		return
	}
	defer conn.Close()

	ws := &wsSession{conn: conn, sessionID: uuid.NewString()}
	_ = ws.send(gin.H{"type": "connected", "session_id": ws.sessionID})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd inboundCmd
		if err := json.Unmarshal(raw, &cmd); err != nil {
			logger.Warn("devserver: dropping malformed command", logger.FieldError, err)
			continue
		}
		s.dispatch(ws, cmd)
	}
}

func (s *Server) dispatch(ws *wsSession, cmd inboundCmd) {
	switch cmd.Type {
	case "chat":
		if cmd.SessionID != "" {
			ws.setSessionID(cmd.SessionID)
		}
		ws.markCancelled(false)
		util.SafeGo(func() { s.runChat(ws, cmd) })

	case "cancel":
		ws.markCancelled(true)

	case "clear_history":
		if cmd.SessionID != "" && cmd.SessionID != "__memory__" {
			_ = s.store.ClearSession(cmd.SessionID)
		}
		_ = ws.send(gin.H{"type": "history_cleared"})

	case "load_history":
		s.loadHistory(ws, cmd.Message)

	default:
		logger.Debug("devserver: unknown command", logger.FieldEventType, cmd.Type)
	}
}

// runChat 脚本化应答: 开始 → 逐字回声 → 结束, 并落盘两条 turn。
// 取消标志置位时提前收束并回执 cancelled。
func (s *Server) runChat(ws *wsSession, cmd inboundCmd) {
	start := time.Now()
	agent := util.FirstNonEmpty(cmd.AgentName, EchoAgentName)

	_ = ws.send(gin.H{"type": "processing_start"})

	reply := "收到: " + cmd.Message
	var streamed strings.Builder
	for _, r := range reply {
		if ws.isCancelled() {
			s.finishCancelled(ws, cmd, agent, streamed.String(), start)
			return
		}
		piece := string(r)
		streamed.WriteString(piece)
		_ = ws.send(gin.H{"type": "stream_chunk", "agent_name": agent, "content": piece})
		if s.streamDelay > 0 {
			time.Sleep(s.streamDelay)
		}
	}

	_ = ws.send(gin.H{"type": "processing_end"})

	_ = s.store.Append(ws.currentSessionID(),
		session.Turn{
			AgentName: session.UserSpeaker,
			Content:   cmd.Message,
			StartTime: start,
			EndTime:   start,
		},
		session.Turn{
			AgentName: agent,
			Content:   reply,
			StartTime: start,
			EndTime:   time.Now(),
			Events:    []session.TurnEvent{{Type: "text", Content: reply}},
		})
}

func (s *Server) finishCancelled(ws *wsSession, cmd inboundCmd, agent, partial string, start time.Time) {
	_ = ws.send(gin.H{"type": "cancelled", "message": "任务已取消"})
	ws.markCancelled(false)

	turns := []session.Turn{{
		AgentName: session.UserSpeaker,
		Content:   cmd.Message,
		StartTime: start,
		EndTime:   start,
	}}
	if partial != "" {
		turns = append(turns, session.Turn{
			AgentName: agent,
			Content:   partial,
			StartTime: start,
			EndTime:   time.Now(),
		})
	}
	_ = s.store.Append(ws.currentSessionID(), turns...)
}

func (s *Server) loadHistory(ws *wsSession, filename string) {
	turns, err := s.store.Load(filename)
	if err != nil {
		_ = ws.send(gin.H{"type": "error", "error": "历史文件加载失败"})
		return
	}
	if sessionID := SessionIDFrom(filename); sessionID != "" {
		ws.setSessionID(sessionID)
	}
	_ = ws.send(gin.H{
		"type":       "history_loaded",
		"session_id": ws.currentSessionID(),
		"messages":   turns,
	})
}
