// internal/api/page.go
package api

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StoryReader/internal/markup"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/reader"
)

//go:embed templates/*.html
var templateFS embed.FS

// pageTemplates 阅读页模板，包含 reader.html 和 region 两个定义
var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// LoadPageTemplates 从目录加载替换用的页面模板，目录中需要定义 reader.html 和 region
func LoadPageTemplates(dir string) (*template.Template, error) {
	if _, err := os.Stat(filepath.Join(dir, "reader.html")); err != nil {
		return nil, fmt.Errorf("模板目录中缺少 reader.html: %w", err)
	}
	tmpl, err := template.ParseGlob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, fmt.Errorf("解析页面模板失败: %w", err)
	}
	if tmpl.Lookup("reader.html") == nil || tmpl.Lookup("region") == nil {
		return nil, fmt.Errorf("页面模板需要定义 reader.html 和 region")
	}
	return tmpl, nil
}

// readerPage 阅读页数据
type readerPage struct {
	View       reader.View
	Body       template.HTML
	Characters models.CharacterSheet
}

// ReadPage 服务端渲染的章节页
func (h *Handler) ReadPage(c *gin.Context) {
	session, err := h.Sessions.Get(c.Param("sid"))
	if err != nil {
		c.String(http.StatusNotFound, "reading session not found")
		return
	}

	view, plan := session.Snapshot()
	body, err := renderBody(h.pages(), plan, view.Regions)
	if err != nil {
		h.logger.Error("渲染章节页失败", map[string]interface{}{
			"session_id": session.ID,
			"error":      err.Error(),
		})
		c.String(http.StatusInternalServerError, "failed to render chapter")
		return
	}

	c.HTML(http.StatusOK, "reader.html", readerPage{
		View:       view,
		Body:       body,
		Characters: session.Characters(),
	})
}

func (h *Handler) pages() *template.Template {
	if h.templates != nil {
		return h.templates
	}
	return pageTemplates
}

// renderBody 按渲染计划输出正文，交互段替换为区域组件。
// 字面段来自书库服务，按可信标记原样输出。
func renderBody(pages *template.Template, plan *markup.Plan, regions []models.RegionSnapshot) (template.HTML, error) {
	if plan == nil {
		return "", nil
	}
	byEvent := make(map[int]models.RegionSnapshot, len(regions))
	for _, r := range regions {
		byEvent[r.EventIndex] = r
	}

	var renderErr error
	out := plan.Render(func(seg markup.Segment) string {
		snap, ok := byEvent[seg.Region.EventIndex]
		if !ok {
			snap = models.RegionSnapshot{
				EventIndex:     seg.Region.EventIndex,
				State:          models.RegionIdle,
				ExpansionState: models.Collapsed,
			}
		}
		var buf bytes.Buffer
		if err := pages.ExecuteTemplate(&buf, "region", snap); err != nil && renderErr == nil {
			renderErr = err
		}
		return buf.String()
	})
	if renderErr != nil {
		return "", renderErr
	}
	return template.HTML(out), nil
}
