// Package mention 从用户输入中抽取 @智能体 提及与 #文件 引用。
//
// 抽取只产出结构化结果, 原文永远原样随命令发出 — 路由信息是
// 输入的"副本"而非"剪裁"。
package mention

import (
	"regexp"
	"strings"
)

// 提及只认输入开头 (去除首尾空白后), 名称允许汉字/字母/数字/下划线。
var mentionRE = regexp.MustCompile(`^@([\x{4e00}-\x{9fa5}\w]+)\s*(.*)$`)

// 文件引用全文匹配, # 后到下一个空白为止。
var fileRE = regexp.MustCompile(`#(\S+)`)

// Mention 一次成功的提及抽取。
type Mention struct {
	AgentName string // @ 后的智能体名
	Query     string // 提及之后的剩余文本 (已去首尾空白)
}

// ExtractAgentMention 抽取输入开头的 @智能体 提及。
// 输入中部的 @ 不算提及, 返回 ok=false。
func ExtractAgentMention(input string) (Mention, bool) {
	m := mentionRE.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return Mention{}, false
	}
	return Mention{AgentName: m[1], Query: strings.TrimSpace(m[2])}, true
}

// ExtractFilePaths 抽取全部 #文件 引用, 保留出现顺序与重复项。
func ExtractFilePaths(input string) []string {
	ms := fileRE.FindAllStringSubmatch(input, -1)
	if len(ms) == 0 {
		return nil
	}
	paths := make([]string, 0, len(ms))
	for _, m := range ms {
		paths = append(paths, m[1])
	}
	return paths
}
