// devserver_test.go — 存储与路由的集成行为 (httptest + 真 WS 连接)。
package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fkteams/webchat/internal/session"
	apperrors "github.com/fkteams/webchat/pkg/errors"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s.streamDelay = 0
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewHistoryStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewHistoryStore error: %v", err)
	}

	turn := session.Turn{AgentName: "写作者", Content: "第一轮", StartTime: time.Now()}
	if err := store.Append("s1", turn); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	turns, err := store.Load(FilenameFor("s1"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "第一轮" {
		t.Fatalf("turns = %+v", turns)
	}

	files, err := store.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(files) != 1 || files[0].SessionID != "s1" {
		t.Fatalf("files = %+v", files)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	store, _ := NewHistoryStore(t.TempDir())
	for _, name := range []string{"../etc/passwd", "a/b.json", ""} {
		if _, err := store.Load(name); !apperrors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("Load(%q) err = %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestStoreRenameRefusesOverwrite(t *testing.T) {
	store, _ := NewHistoryStore(t.TempDir())
	store.Append("a", session.Turn{Content: "x"})
	store.Append("b", session.Turn{Content: "y"})

	err := store.Rename(FilenameFor("a"), FilenameFor("b"))
	if !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want refusal", err)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/fkteams/agents")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()

	var env struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	json.NewDecoder(resp.Body).Decode(&env)
	if env.Code != 0 || !strings.Contains(string(env.Data), EchoAgentName) {
		t.Fatalf("envelope = %d %s", env.Code, env.Data)
	}
}

func TestFilesEndpointRejectsTraversal(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/fkteams/files?path=../../etc")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteMissingHistoryFile(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/fkteams/history/files/"+FilenameFor("nope"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON error: %v", err)
	}
	return frame
}

func TestChatScriptedStream(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("first frame = %v", frame)
	}

	conn.WriteJSON(map[string]any{
		"type": "chat", "session_id": "s1", "message": "你好", "mode": "supervisor",
	})

	if frame := readFrame(t, conn); frame["type"] != "processing_start" {
		t.Fatalf("frame = %v", frame)
	}

	var text strings.Builder
	for {
		frame := readFrame(t, conn)
		if frame["type"] == "processing_end" {
			break
		}
		if frame["type"] != "stream_chunk" {
			t.Fatalf("frame = %v", frame)
		}
		text.WriteString(frame["content"].(string))
	}
	if text.String() != "收到: 你好" {
		t.Fatalf("streamed = %q", text.String())
	}
}

func TestChatPersistsAndLoadsHistory(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readFrame(t, conn) // connected

	conn.WriteJSON(map[string]any{"type": "chat", "session_id": "s2", "message": "记住我"})
	for {
		if readFrame(t, conn)["type"] == "processing_end" {
			break
		}
	}

	conn.WriteJSON(map[string]any{"type": "load_history", "message": FilenameFor("s2")})
	frame := readFrame(t, conn)
	if frame["type"] != "history_loaded" || frame["session_id"] != "s2" {
		t.Fatalf("frame = %v", frame)
	}
	msgs := frame["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + reply turns", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["agent_name"] != session.UserSpeaker || first["content"] != "记住我" {
		t.Fatalf("first turn = %v", first)
	}
}

func TestClearHistoryCommand(t *testing.T) {
	s, ts := newTestServer(t)
	s.store.Append("s3", session.Turn{Content: "旧数据"})

	conn := dialWS(t, ts)
	readFrame(t, conn) // connected

	conn.WriteJSON(map[string]any{"type": "clear_history", "session_id": "s3"})
	if frame := readFrame(t, conn); frame["type"] != "history_cleared" {
		t.Fatalf("frame = %v", frame)
	}
	if _, err := s.store.Load(FilenameFor("s3")); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("log survived clear: %v", err)
	}
}

func TestLoadMissingHistoryEmitsError(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readFrame(t, conn) // connected

	conn.WriteJSON(map[string]any{"type": "load_history", "message": FilenameFor("missing")})
	if frame := readFrame(t, conn); frame["type"] != "error" {
		t.Fatalf("frame = %v", frame)
	}
}
