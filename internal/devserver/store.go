// store.go — JSON 文件形态的会话日志存储。
// 每个会话一个文件, 文件名携带会话标识, 内容是 turn 数组。
package devserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fkteams/webchat/internal/session"
	apperrors "github.com/fkteams/webchat/pkg/errors"
)

const historyFilePrefix = "fkteams_chat_history_"

// HistoryStore 目录下的会话日志集合。
type HistoryStore struct {
	mu  sync.Mutex
	dir string
}

// NewHistoryStore 创建存储, 目录不存在时建出来。
func NewHistoryStore(dir string) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(err, "devserver.NewHistoryStore", "create history dir")
	}
	return &HistoryStore{dir: dir}, nil
}

// FilenameFor 返回会话对应的日志文件名。
func FilenameFor(sessionID string) string {
	return historyFilePrefix + sessionID + ".json"
}

// SessionIDFrom 从文件名提取会话标识, 不符合命名约定时返回空串。
func SessionIDFrom(filename string) string {
	name := strings.TrimSuffix(filename, ".json")
	if !strings.HasPrefix(name, historyFilePrefix) {
		return ""
	}
	return strings.TrimPrefix(name, historyFilePrefix)
}

// FileInfo 一份日志文件的元信息。
type FileInfo struct {
	Filename    string    `json:"filename"`
	DisplayName string    `json:"display_name"`
	SessionID   string    `json:"session_id"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
}

// List 按文件名列出全部日志。
func (s *HistoryStore) List() ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.Wrap(err, "devserver.HistoryStore.List", "read history dir")
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Filename:    entry.Name(),
			DisplayName: displayName(entry.Name()),
			SessionID:   SessionIDFrom(entry.Name()),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		})
	}
	return files, nil
}

func displayName(filename string) string {
	if id := SessionIDFrom(filename); id != "" {
		return "会话 " + id
	}
	return strings.TrimSuffix(filename, ".json")
}

// Load 读取一份日志的 turn 数组。
func (s *HistoryStore) Load(filename string) ([]session.Turn, error) {
	path, err := s.safePath(filename)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, "devserver.HistoryStore.Load", "%s", filename)
		}
		return nil, apperrors.Wrap(err, "devserver.HistoryStore.Load", "read log")
	}

	var turns []session.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, apperrors.Wrap(err, "devserver.HistoryStore.Load", "malformed log")
	}
	return turns, nil
}

// Append 向会话日志追加 turn, 文件不存在时创建。
func (s *HistoryStore) Append(sessionID string, turns ...session.Turn) error {
	filename := FilenameFor(sessionID)
	path, err := s.safePath(filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []session.Turn
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &existing)
	}
	existing = append(existing, turns...)

	raw, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, "devserver.HistoryStore.Append", "marshal log")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return apperrors.Wrap(err, "devserver.HistoryStore.Append", "write log")
	}
	return nil
}

// Delete 删除一份日志。
func (s *HistoryStore) Delete(filename string) error {
	path, err := s.safePath(filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.Wrapf(apperrors.ErrNotFound, "devserver.HistoryStore.Delete", "%s", filename)
		}
		return apperrors.Wrap(err, "devserver.HistoryStore.Delete", "remove log")
	}
	return nil
}

// Rename 重命名一份日志, 目标已存在时拒绝。
func (s *HistoryStore) Rename(oldName, newName string) error {
	oldPath, err := s.safePath(oldName)
	if err != nil {
		return err
	}
	newPath, err := s.safePath(newName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return apperrors.Wrapf(apperrors.ErrNotFound, "devserver.HistoryStore.Rename", "%s", oldName)
	}
	if _, err := os.Stat(newPath); err == nil {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "devserver.HistoryStore.Rename", "%s already exists", newName)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return apperrors.Wrap(err, "devserver.HistoryStore.Rename", "rename log")
	}
	return nil
}

// ClearSession 删除会话对应的日志, 不存在时视为成功。
func (s *HistoryStore) ClearSession(sessionID string) error {
	err := s.Delete(FilenameFor(sessionID))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// safePath 拼接并校验路径, 拒绝目录穿越。
func (s *HistoryStore) safePath(filename string) (string, error) {
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		return "", apperrors.Wrapf(apperrors.ErrInvalidInput, "devserver.HistoryStore", "unsafe filename %q", filename)
	}
	return filepath.Join(s.dir, filename), nil
}
