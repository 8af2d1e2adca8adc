// internal/library/schemas.go
package library

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/StoryReader/internal/models"
)

// 书库接口的响应结构，在边界处校验后再转换为领域模型

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type chapterResponse struct {
	ID            *int    `json:"id"`
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	ChapterNumber *int    `json:"chapter_number"`
	ChapterTitle  string  `json:"chapter_title"`
	Content       *string `json:"content"`
	Music         string  `json:"music"`
}

func (r *chapterResponse) toModel() (*models.ChapterContent, error) {
	if r.ID == nil {
		return nil, fmt.Errorf("章节响应缺少 id")
	}
	if r.ChapterNumber == nil {
		return nil, fmt.Errorf("章节响应缺少 chapter_number")
	}
	if r.Content == nil {
		return nil, fmt.Errorf("章节响应缺少 content")
	}
	return &models.ChapterContent{
		BookID:        *r.ID,
		Title:         r.Title,
		Author:        r.Author,
		ChapterNumber: *r.ChapterNumber,
		ChapterTitle:  r.ChapterTitle,
		Content:       *r.Content,
		MusicMood:     models.ParseMusicMood(r.Music),
	}, nil
}

type characterResponse struct {
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Gender      string  `json:"gender"`
	Personality string  `json:"personality"`
	Bio         string  `json:"bio"`
	Image       *string `json:"image"`
}

func (r *characterResponse) toModel() (models.CharacterRecord, bool) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return models.CharacterRecord{}, false
	}
	record := models.CharacterRecord{
		Name:        name,
		Role:        r.Role,
		Gender:      r.Gender,
		Personality: r.Personality,
		Bio:         r.Bio,
	}
	if r.Image != nil {
		record.Image = *r.Image
	}
	return record, true
}

type sceneResponse struct {
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption"`
}

func (r *sceneResponse) toModel() (*models.SceneImage, error) {
	if strings.TrimSpace(r.ImageURL) == "" {
		return nil, fmt.Errorf("场景响应缺少 image_url")
	}
	return &models.SceneImage{ImageURL: r.ImageURL, Caption: r.Caption}, nil
}

// flexibleTags 兼容字符串或字符串数组
type flexibleTags []string

func (t *flexibleTags) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("tags 既不是字符串也不是数组: %w", err)
	}
	if single == "" {
		*t = nil
		return nil
	}
	*t = []string{single}
	return nil
}

type bookResponse struct {
	ID         *int         `json:"id"`
	Title      string       `json:"title"`
	Author     string       `json:"author"`
	CreatedAt  *string      `json:"created_at"`
	CoverImage *string      `json:"cover_image"`
	Tags       flexibleTags `json:"tags"`
	Synopsis   string       `json:"synopsis"`
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func (r *bookResponse) toModel() (models.BookEntry, bool) {
	if r.ID == nil {
		return models.BookEntry{}, false
	}
	entry := models.BookEntry{
		ID:       *r.ID,
		Title:    r.Title,
		Author:   r.Author,
		Tags:     []string(r.Tags),
		Synopsis: r.Synopsis,
	}
	if entry.Tags == nil {
		entry.Tags = []string{}
	}
	if r.CoverImage != nil {
		entry.CoverImage = *r.CoverImage
	}
	if r.CreatedAt != nil {
		for _, layout := range createdAtLayouts {
			if ts, err := time.Parse(layout, *r.CreatedAt); err == nil {
				entry.CreatedAt = &ts
				break
			}
		}
	}
	return entry, true
}

type summaryResponse struct {
	Summary *string `json:"summary"`
}

type queryResponse struct {
	Answer  *string `json:"answer"`
	Summary *string `json:"summary"`
}

// text 优先 answer，其次 summary
func (r *queryResponse) text() string {
	if r.Answer != nil && strings.TrimSpace(*r.Answer) != "" {
		return *r.Answer
	}
	if r.Summary != nil && strings.TrimSpace(*r.Summary) != "" {
		return *r.Summary
	}
	return ""
}

type graphResponse struct {
	Nodes []models.GraphNode `json:"nodes"`
	Edges []models.GraphEdge `json:"edges"`
}

func (r *graphResponse) toModel() *models.RelationshipGraph {
	graph := &models.RelationshipGraph{
		Nodes: make([]models.GraphNode, 0, len(r.Nodes)),
		Edges: make([]models.GraphEdge, 0, len(r.Edges)),
	}
	known := make(map[string]bool, len(r.Nodes))
	for _, n := range r.Nodes {
		if n.ID == "" || known[n.ID] {
			continue
		}
		if n.Label == "" {
			n.Label = n.ID
		}
		known[n.ID] = true
		graph.Nodes = append(graph.Nodes, n)
	}
	// 丢弃端点不存在的边
	for _, e := range r.Edges {
		if known[e.Source] && known[e.Target] {
			graph.Edges = append(graph.Edges, e)
		}
	}
	return graph
}

type uploadResponse struct {
	BookID  *int   `json:"book_id"`
	Message string `json:"message"`
}

func (r *uploadResponse) toModel() (*models.UploadResult, error) {
	if r.BookID == nil {
		return nil, fmt.Errorf("上传响应缺少 book_id")
	}
	return &models.UploadResult{BookID: *r.BookID, Message: r.Message}, nil
}
