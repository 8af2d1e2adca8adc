// internal/models/marker.go
package models

// EventMarker 章节标记中的事件分隔标记
type EventMarker struct {
	EventIndex int `json:"event_index"`
	// Position 标记节点在先序遍历中的序号，严格递增
	Position int `json:"position"`
}

// RegionContext 交互区域的不可变上下文
type RegionContext struct {
	BookID        int `json:"book_id"`
	ChapterNumber int `json:"chapter_number"`
	EventIndex    int `json:"event_index"`
}

// SegmentKind 渲染计划中片段的类型
type SegmentKind string

const (
	SegmentLiteral     SegmentKind = "literal"
	SegmentInteractive SegmentKind = "interactive"
)
