// internal/markup/builder.go
package markup

import (
	"strings"

	"github.com/Corphon/StoryReader/internal/models"
	"golang.org/x/net/html"
)

// Segment 渲染计划中的一段：原样输出的标记或交互区域
type Segment struct {
	Kind models.SegmentKind `json:"kind"`
	// HTML 字面段的标记
	HTML string `json:"html,omitempty"`
	// Region 交互段的不可变上下文
	Region *models.RegionContext `json:"region,omitempty"`
	// Marker 被替换的原始标记节点
	Marker string `json:"-"`
	// Text 上一个标记之后到本标记之间的纯文本，供复制使用
	Text string `json:"-"`
}

// Plan 有序的段列表
type Plan struct {
	Segments []Segment `json:"segments"`
	// Words 正文单词数，不含标记节点内的占位文字
	Words int `json:"words"`
}

// Regions 按文档顺序返回所有交互区域上下文
func (p *Plan) Regions() []models.RegionContext {
	regions := make([]models.RegionContext, 0)
	for _, seg := range p.Segments {
		if seg.Kind == models.SegmentInteractive && seg.Region != nil {
			regions = append(regions, *seg.Region)
		}
	}
	return regions
}

// Segment 查找事件编号对应的交互段
func (p *Plan) Segment(eventIndex int) (Segment, bool) {
	for _, seg := range p.Segments {
		if seg.Kind == models.SegmentInteractive && seg.Region != nil && seg.Region.EventIndex == eventIndex {
			return seg, true
		}
	}
	return Segment{}, false
}

// Render 顺序拼接各段，交互段由 region 回调渲染
func (p *Plan) Render(region func(Segment) string) string {
	var b strings.Builder
	for _, seg := range p.Segments {
		if seg.Kind == models.SegmentInteractive {
			b.WriteString(region(seg))
			continue
		}
		b.WriteString(seg.HTML)
	}
	return b.String()
}

// Reconstruct 用原始标记替换交互段，结果与输入树等价
func (p *Plan) Reconstruct() string {
	return p.Render(func(seg Segment) string { return seg.Marker })
}

// Build 按扫描结果切分文档。纯函数，不修改 doc。
// markers 必须来自同一文档的 Scan。
func Build(doc *Document, markers []models.EventMarker, bookID, chapter int) *Plan {
	b := &builder{
		byPos:   make(map[int]int, len(markers)),
		sizes:   make(map[*html.Node]int),
		markers: markers,
		bookID:  bookID,
		chapter: chapter,
		plan:    &Plan{Segments: make([]Segment, 0, 2*len(markers)+1)},
	}
	for _, m := range markers {
		b.byPos[m.Position] = m.EventIndex
	}

	for _, n := range doc.nodes {
		b.countSizes(n)
	}
	for _, n := range doc.nodes {
		b.node(n)
	}
	b.flushLiteral()
	return b.plan
}

type builder struct {
	byPos   map[int]int
	sizes   map[*html.Node]int // 子树节点数，构建前一次算好
	markers []models.EventMarker
	next    int // 下一个未处理标记在 markers 中的下标
	pos     int

	bookID  int
	chapter int

	literal strings.Builder
	text    strings.Builder
	plan    *Plan
}

func (b *builder) node(n *html.Node) {
	start := b.pos

	if index, ok := b.byPos[start]; ok {
		b.pos++
		b.next++
		b.interactive(n, index)
		return
	}

	// 子树内没有标记时整体渲染
	size := b.sizes[n]
	if b.next >= len(b.markers) || b.markers[b.next].Position >= start+size {
		b.pos += size
		html.Render(&b.literal, n)
		b.collectText(n)
		return
	}

	// 子树包含标记：拆开当前元素，手写起止标签
	b.pos++
	writeStartTag(&b.literal, n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.node(c)
	}
	writeEndTag(&b.literal, n)
}

func (b *builder) interactive(n *html.Node, index int) {
	b.flushLiteral()

	var marker strings.Builder
	html.Render(&marker, n)

	b.plan.Segments = append(b.plan.Segments, Segment{
		Kind: models.SegmentInteractive,
		Region: &models.RegionContext{
			BookID:        b.bookID,
			ChapterNumber: b.chapter,
			EventIndex:    index,
		},
		Marker: marker.String(),
		Text:   strings.Join(strings.Fields(b.text.String()), " "),
	})
	b.text.Reset()
}

func (b *builder) flushLiteral() {
	if b.literal.Len() == 0 {
		return
	}
	b.plan.Segments = append(b.plan.Segments, Segment{
		Kind: models.SegmentLiteral,
		HTML: b.literal.String(),
	})
	b.literal.Reset()
}

// collectText 累计纯文本和单词数
func (b *builder) collectText(n *html.Node) {
	if n.Type == html.TextNode {
		if rawText(n.Parent) {
			return
		}
		b.plan.Words += len(strings.Fields(n.Data))
		b.text.WriteString(n.Data)
		b.text.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.collectText(c)
	}
}

// countSizes 后序遍历记录每个节点的子树大小
func (b *builder) countSizes(n *html.Node) int {
	size := 1
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		size += b.countSizes(c)
	}
	b.sizes[n] = size
	return size
}

// rawText script/style 内的文字不计入正文
func rawText(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "script", "style", "template", "noscript":
		return true
	}
	return false
}

// 与 html.Render 的属性转义保持一致
var attrEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`'`, "&#39;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&#34;",
	"\r", "&#13;",
)

func writeStartTag(b *strings.Builder, n *html.Node) {
	if n.Type != html.ElementNode {
		return
	}
	b.WriteByte('<')
	b.WriteString(n.Data)
	for _, a := range n.Attr {
		b.WriteByte(' ')
		if a.Namespace != "" {
			b.WriteString(a.Namespace)
			b.WriteByte(':')
		}
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(attrEscaper.Replace(a.Val))
		b.WriteByte('"')
	}
	b.WriteByte('>')

	// html.Render 在 pre/listing/textarea 首个换行前补一个换行
	if c := n.FirstChild; c != nil && c.Type == html.TextNode && strings.HasPrefix(c.Data, "\n") {
		switch n.Data {
		case "pre", "listing", "textarea":
			b.WriteByte('\n')
		}
	}
}

func writeEndTag(b *strings.Builder, n *html.Node) {
	if n.Type != html.ElementNode {
		return
	}
	b.WriteString("</")
	b.WriteString(n.Data)
	b.WriteByte('>')
}
