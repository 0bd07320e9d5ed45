// Package api 封装服务端 REST 协作接口。
//
// 所有接口返回统一信封 {code, message, data}: code==0 成功,
// 非零时 message 是人类可读的失败原因。本包在边界处拆信封,
// 调用方只见到领域对象或 AppError。
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/fkteams/webchat/pkg/errors"
)

// AgentInfo 可用智能体。
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// HistoryFileInfo 一份持久化会话日志。
type HistoryFileInfo struct {
	Filename    string    `json:"filename"`
	DisplayName string    `json:"display_name"`
	SessionID   string    `json:"session_id"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
}

// FileInfo 工作区文件/目录项。
type FileInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// envelope 统一响应信封。
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client REST 客户端。
type Client struct {
	baseURL string
	http    *http.Client
}

// New 创建客户端。baseURL 形如 http://127.0.0.1:8080。
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Agents 列出可用智能体。
func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo
	if err := c.call(ctx, http.MethodGet, "/api/fkteams/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// HistoryFiles 列出持久化日志。
func (c *Client) HistoryFiles(ctx context.Context) ([]HistoryFileInfo, error) {
	var data struct {
		Files []HistoryFileInfo `json:"files"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/fkteams/history/files", nil, &data); err != nil {
		return nil, err
	}
	return data.Files, nil
}

// DeleteHistoryFile 删除一份日志。
func (c *Client) DeleteHistoryFile(ctx context.Context, filename string) error {
	if filename == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "api.DeleteHistoryFile", "empty filename")
	}
	path := "/api/fkteams/history/files/" + url.PathEscape(filename)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// RenameHistoryFile 重命名一份日志。
func (c *Client) RenameHistoryFile(ctx context.Context, oldName, newName string) error {
	if oldName == "" || newName == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "api.RenameHistoryFile", "empty filename")
	}
	body := map[string]string{"old_filename": oldName, "new_filename": newName}
	return c.call(ctx, http.MethodPost, "/api/fkteams/history/files/rename", body, nil)
}

// Files 列出工作区目录内容。subPath 为空时列根目录。
func (c *Client) Files(ctx context.Context, subPath string) ([]FileInfo, error) {
	path := "/api/fkteams/files"
	if subPath != "" {
		path += "?path=" + url.QueryEscape(subPath)
	}
	var files []FileInfo
	if err := c.call(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// call 发请求、拆信封、解出 data。out 为 nil 时丢弃 data。
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	op := fmt.Sprintf("api.%s %s", method, path)

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, op, "marshal request")
		}
		reqBody = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apperrors.Wrap(err, op, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, op, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(err, op, "read response")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.Wrapf(err, op, "malformed envelope (status %d)", resp.StatusCode)
	}
	if env.Code != 0 {
		if resp.StatusCode == http.StatusNotFound {
			return apperrors.Wrapf(apperrors.ErrNotFound, op, "%s", env.Message)
		}
		return apperrors.Newf(op, "server rejected: %s (code %d)", env.Message, env.Code)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.Wrap(err, op, "decode data")
	}
	return nil
}
