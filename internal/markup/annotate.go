// internal/markup/annotate.go
package markup

import (
	"math"

	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/utils"
)

// DefaultWordsPerMinute 阅读时间估算速度
const DefaultWordsPerMinute = 260

// Stats 阅读统计
type Stats struct {
	Words   int `json:"words"`
	Minutes int `json:"minutes"`
}

// ReadingMinutes 有正文时至少 1 分钟，四舍五入
func ReadingMinutes(words, wpm int) int {
	if words <= 0 {
		return 0
	}
	if wpm <= 0 {
		wpm = DefaultWordsPerMinute
	}
	minutes := int(math.Round(float64(words) / float64(wpm)))
	if minutes < 1 {
		return 1
	}
	return minutes
}

// Annotation 一次章节标注的完整结果
type Annotation struct {
	Markers []models.EventMarker `json:"markers"`
	Skipped int                  `json:"skipped"`
	Plan    *Plan                `json:"plan"`
	Stats   Stats                `json:"stats"`
}

// Annotator 组合扫描与切分
type Annotator struct {
	scanner *Scanner
	wpm     int
}

// NewAnnotator 创建标注器
func NewAnnotator(prefix string, wordsPerMinute int) *Annotator {
	if wordsPerMinute <= 0 {
		wordsPerMinute = DefaultWordsPerMinute
	}
	return &Annotator{
		scanner: NewScanner(prefix),
		wpm:     wordsPerMinute,
	}
}

// Annotate 解析章节内容并生成渲染计划
func (a *Annotator) Annotate(content string, bookID, chapter int) (*Annotation, error) {
	doc, err := Parse(content)
	if err != nil {
		return nil, err
	}

	scan := a.scanner.Scan(doc)
	plan := Build(doc, scan.Markers, bookID, chapter)

	if scan.Skipped > 0 {
		utils.GetLogger().Info("章节中存在被忽略的事件标记", map[string]interface{}{
			"book_id": bookID,
			"chapter": chapter,
			"skipped": scan.Skipped,
		})
	}

	return &Annotation{
		Markers: scan.Markers,
		Skipped: scan.Skipped,
		Plan:    plan,
		Stats: Stats{
			Words:   plan.Words,
			Minutes: ReadingMinutes(plan.Words, a.wpm),
		},
	}, nil
}
