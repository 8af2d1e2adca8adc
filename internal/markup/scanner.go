// internal/markup/scanner.go
package markup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/utils"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultPrefix 后端注入的事件标记 id 前缀，如 ev1、ev02
const DefaultPrefix = "ev"

// Document 解析后的章节标记树
type Document struct {
	nodes []*html.Node
}

// Parse 以 body 为上下文解析章节片段，不补全 html/head/body
func Parse(markup string) (*Document, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), body)
	if err != nil {
		return nil, fmt.Errorf("解析章节标记失败: %w", err)
	}
	return &Document{nodes: nodes}, nil
}

// Nodes 返回顶层节点
func (d *Document) Nodes() []*html.Node {
	return d.nodes
}

// Scanner 在文档顺序中识别事件标记
type Scanner struct {
	prefix string
}

// NewScanner 创建扫描器，空前缀使用默认值
func NewScanner(prefix string) *Scanner {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Scanner{prefix: prefix}
}

// ScanResult 扫描结果
type ScanResult struct {
	Markers []models.EventMarker `json:"markers"`
	// Skipped 前缀匹配但编号非法或重复的标记数，这些节点按普通内容处理
	Skipped int `json:"skipped"`
}

// Scan 单次先序遍历，按文档顺序返回标记。
// 已识别的标记节点不再深入其子节点，Builder 使用相同的计数规则。
func (s *Scanner) Scan(doc *Document) ScanResult {
	result := ScanResult{Markers: []models.EventMarker{}}
	seen := make(map[int]bool)
	pos := 0

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		current := pos
		pos++

		index, status := s.classify(n)
		switch status {
		case markerValid:
			if !seen[index] {
				seen[index] = true
				result.Markers = append(result.Markers, models.EventMarker{
					EventIndex: index,
					Position:   current,
				})
				return
			}
			result.Skipped++
			utils.GetLogger().Debug("跳过重复的事件标记", map[string]interface{}{
				"event_index": index,
				"position":    current,
			})
		case markerMalformed:
			result.Skipped++
			utils.GetLogger().Debug("跳过格式错误的事件标记", map[string]interface{}{
				"id":       attr(n, "id"),
				"position": current,
			})
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}

	for _, n := range doc.nodes {
		visit(n)
	}
	return result
}

type markerStatus int

const (
	markerNone markerStatus = iota
	markerValid
	markerMalformed
)

// classify 判断节点是否为事件标记
func (s *Scanner) classify(n *html.Node) (int, markerStatus) {
	if n.Type != html.ElementNode || n.DataAtom != atom.Div {
		return 0, markerNone
	}
	id := attr(n, "id")
	if !strings.HasPrefix(id, s.prefix) {
		return 0, markerNone
	}

	rest := id[len(s.prefix):]
	if rest == "" {
		return 0, markerMalformed
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, markerMalformed
		}
	}
	index, err := strconv.Atoi(rest)
	if err != nil {
		// 超出 int 范围
		return 0, markerMalformed
	}
	return index, markerValid
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Scan 使用默认前缀解析并扫描章节标记
func Scan(markup string) ([]models.EventMarker, error) {
	doc, err := Parse(markup)
	if err != nil {
		return nil, err
	}
	return NewScanner(DefaultPrefix).Scan(doc).Markers, nil
}
