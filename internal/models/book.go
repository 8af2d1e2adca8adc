// internal/models/book.go
package models

import "time"

// BookEntry 书库中的一本书
type BookEntry struct {
	ID         int        `json:"id"`
	Title      string     `json:"title"`
	Author     string     `json:"author"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	CoverImage string     `json:"cover_image,omitempty"`
	Tags       []string   `json:"tags"`
	Synopsis   string     `json:"synopsis"`
}

// GraphNode 关系图节点
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// GraphEdge 关系图边
type GraphEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

// RelationshipGraph 角色关系图
type RelationshipGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// UploadResult 上传后新建的书库条目
type UploadResult struct {
	BookID  int    `json:"book_id"`
	Message string `json:"message"`
}
