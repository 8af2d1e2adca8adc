// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/Corphon/StoryReader/internal/app"
	"github.com/Corphon/StoryReader/internal/config"
	"github.com/Corphon/StoryReader/internal/di"
	"github.com/Corphon/StoryReader/internal/library"
	"github.com/Corphon/StoryReader/internal/markup"
	"github.com/Corphon/StoryReader/internal/models"
	"github.com/Corphon/StoryReader/internal/notify"
	"github.com/Corphon/StoryReader/internal/reader"
	"github.com/Corphon/StoryReader/internal/utils"
)

const (
	consoleReaderID = "console_reader"
	sceneWait       = 30 * time.Second
	boxWidth        = 72
)

var stdin = bufio.NewScanner(os.Stdin)

func main() {
	fmt.Println("📖 StoryReader Console")
	fmt.Println("=================================")

	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ 加载基础配置失败: %v", err)
		return
	}

	logFile := fmt.Sprintf("%s/console_%s.log", baseConfig.LogDir, time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ 无法初始化结构化日志: %v", err)
	}
	// 控制台只显示菜单和正文
	utils.GetLogger().SetOutput(nil)
	defer utils.GetLogger().Close()

	if !initializeEnvironment(baseConfig) {
		return
	}

	sessions, err := di.Resolve[*reader.Manager](di.GetContainer(), di.ServiceSessions)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	defer sessions.Stop(context.Background())

	var current *reader.Session
	for {
		showMenu(current)
		choice := strings.ToLower(strings.TrimSpace(getUserInput("请选择操作: ")))

		switch choice {
		case "1", "books":
			listBooks()
		case "2", "open":
			if s := openBook(sessions, current); s != nil {
				current = s
			}
		case "n", "next":
			withSession(current, func(s *reader.Session) { showView(s, navigate(s.Next)) })
		case "p", "prev":
			withSession(current, func(s *reader.Session) { showView(s, navigate(s.Previous)) })
		case "g", "goto":
			withSession(current, gotoChapter)
		case "s", "scene":
			withSession(current, showScene)
		case "c", "characters":
			withSession(current, showCharacters)
		case "a", "ask":
			withSession(current, askAssistant)
		case "m", "summary":
			withSession(current, showSummary)
		case "9", "services":
			listServices()
		case "0", "quit", "exit":
			fmt.Println("👋 再见")
			return
		default:
			fmt.Println("❌ 无效的选择")
		}
		fmt.Println()
	}
}

// 显示菜单
func showMenu(current *reader.Session) {
	lines := []string{
		"1) 书库列表",
		"2) 打开书籍",
	}
	if current != nil {
		view := current.View()
		lines = append(lines,
			fmt.Sprintf("当前: %s 第 %d 章", view.Title, view.Chapter),
			"n) 下一章   p) 上一章   g) 跳转章节",
			"s) 事件场景图   c) 角色   a) 提问   m) 摘要",
		)
	}
	lines = append(lines, "9) 服务列表", "0) 退出")
	printBox("菜单", strings.Join(lines, "\n"))
}

// 获取用户输入
func getUserInput(prompt string) string {
	fmt.Print(prompt)
	if !stdin.Scan() {
		return "quit"
	}
	return stdin.Text()
}

// 1. 初始化项目环境
func initializeEnvironment(cfg *config.Config) bool {
	fmt.Println("🔧 正在初始化项目环境...")

	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("❌ 创建目录失败: %s\n", dir)
			return false
		}
	}

	if err := config.InitConfig(cfg.DataDir); err != nil {
		fmt.Printf("❌ 初始化配置系统失败: %v\n", err)
		return false
	}
	if err := app.InitServices(); err != nil {
		fmt.Printf("❌ 初始化服务失败: %v\n", err)
		return false
	}

	// 通知以提示行的形式显示
	if hub, err := di.Resolve[*notify.Hub](di.GetContainer(), di.ServiceNotifier); err == nil {
		hub.Subscribe(notify.SinkFunc(printNotification))
	}

	fmt.Println("✅ 项目环境初始化成功！")
	fmt.Printf("🔗 书库服务: %s\n", cfg.LibraryAPIURL)
	return true
}

func printNotification(msg notify.Message) {
	if msg.Type != notify.MessageNotification {
		return
	}
	n, ok := msg.Data.(models.Notification)
	if !ok {
		return
	}
	icon := "ℹ️"
	switch n.Level {
	case models.LevelSuccess:
		icon = "✅"
	case models.LevelError:
		icon = "⚠️"
	}
	fmt.Printf("\n%s %s\n", icon, n.Message)
}

func withSession(current *reader.Session, fn func(*reader.Session)) {
	if current == nil {
		fmt.Println("❌ 请先打开一本书")
		return
	}
	fn(current)
}

func libraryClient() *library.Client {
	client, err := di.Resolve[*library.Client](di.GetContainer(), di.ServiceLibrary)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return nil
	}
	return client
}

// 书库列表
func listBooks() {
	client := libraryClient()
	if client == nil {
		return
	}
	books, err := client.Books(context.Background())
	if err != nil {
		fmt.Printf("❌ 读取书库失败: %v\n", err)
		return
	}
	if len(books) == 0 {
		fmt.Println("  (书库为空)")
		return
	}
	fmt.Printf("\n书库共有 %d 本书:\n", len(books))
	for _, b := range books {
		fmt.Printf("  %d) %s - %s\n", b.ID, b.Title, b.Author)
	}
}

// 打开书籍，章节留空时从上次阅读处继续
func openBook(sessions *reader.Manager, current *reader.Session) *reader.Session {
	bookID, err := strconv.Atoi(strings.TrimSpace(getUserInput("书籍ID: ")))
	if err != nil || bookID <= 0 {
		fmt.Println("❌ 无效的书籍ID")
		return nil
	}

	chapter := 1
	input := strings.TrimSpace(getUserInput("章节 (留空继续上次阅读): "))
	if input != "" {
		if chapter, err = strconv.Atoi(input); err != nil || chapter <= 0 {
			fmt.Println("❌ 无效的章节号")
			return nil
		}
	} else if client := libraryClient(); client != nil {
		if last, err := client.LastChapter(context.Background(), bookID); err == nil && last.ChapterNumber > 0 {
			chapter = last.ChapterNumber
		}
	}

	if current != nil {
		sessions.Close(context.Background(), current.ID)
	}
	session, view, err := sessions.Create(context.Background(), consoleReaderID, bookID, chapter)
	if err != nil {
		fmt.Printf("❌ 打开书籍失败: %v\n", err)
		return nil
	}
	showView(session, view)
	return session
}

func navigate(load func(context.Context) (reader.View, error)) reader.View {
	view, err := load(context.Background())
	if err != nil {
		fmt.Printf("❌ %v\n", err)
	}
	return view
}

func gotoChapter(s *reader.Session) {
	chapter, err := strconv.Atoi(strings.TrimSpace(getUserInput("章节号: ")))
	if err != nil || chapter <= 0 {
		fmt.Println("❌ 无效的章节号")
		return
	}
	view, err := s.Navigate(context.Background(), chapter)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	showView(s, view)
}

// showView 输出章节正文，事件位置显示为 [场景 #N]
func showView(s *reader.Session, view reader.View) {
	switch view.State {
	case reader.ViewReady:
	case "":
		return
	default:
		fmt.Printf("⚠️ %s\n", view.Message)
		return
	}

	title := view.Title
	if view.ChapterTitle != "" {
		title += " · " + view.ChapterTitle
	}
	header := fmt.Sprintf("%s\n%s | 第 %d 章 | %d 字 | 约 %d 分钟 | 音乐: %s",
		title, view.Author, view.Chapter, view.Stats.Words, view.Stats.Minutes, view.Audio.Track)
	printBox("", header)

	plan := s.Plan()
	if plan == nil {
		return
	}
	for _, seg := range plan.Segments {
		switch seg.Kind {
		case models.SegmentInteractive:
			fmt.Printf("  [场景 #%d]\n\n", seg.Region.EventIndex)
		default:
			if text := plainText(seg.HTML); text != "" {
				for _, line := range wrapContentForBox(text, boxWidth) {
					fmt.Println(line)
				}
				fmt.Println()
			}
		}
	}
}

// plainText 去掉标签，只保留正文文字
func plainText(fragment string) string {
	doc, err := markup.Parse(fragment)
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			return
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style"):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.Data == "p" || n.Data == "br" || n.Data == "div") {
			b.WriteString("\n")
		}
	}
	for _, n := range doc.Nodes() {
		walk(n)
	}
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// 请求事件场景图并等待结果
func showScene(s *reader.Session) {
	eventIndex, err := strconv.Atoi(strings.TrimSpace(getUserInput("事件编号: ")))
	if err != nil {
		fmt.Println("❌ 无效的事件编号")
		return
	}
	if _, _, err := s.RequestScene(context.Background(), eventIndex); err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	region, err := s.Region(eventIndex)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}

	fmt.Print("⏳ 加载中")
	deadline := time.Now().Add(sceneWait)
	snap := region.Snapshot()
	for snap.Loading && time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		fmt.Print(".")
		snap = region.Snapshot()
	}
	fmt.Println()

	switch {
	case snap.Loading:
		fmt.Println("⚠️ 场景图仍在加载，请稍后再试")
	case snap.Scene != nil:
		printBox(fmt.Sprintf("场景 #%d", eventIndex), fmt.Sprintf("%s\n%s", snap.Scene.Caption, snap.Scene.ImageURL))
	}
}

func showCharacters(s *reader.Session) {
	sheet := s.Characters()
	if len(sheet.Characters) == 0 {
		fmt.Println(sheet.Message)
		return
	}
	lines := make([]string, 0, len(sheet.Characters))
	for _, c := range sheet.Characters {
		line := fmt.Sprintf("%s (%s)", c.Name, c.Role)
		if c.Personality != "" {
			line += ": " + truncateForCLI(c.Personality, 48)
		}
		lines = append(lines, line)
	}
	printBox("角色", strings.Join(lines, "\n"))
}

func askAssistant(s *reader.Session) {
	question := getUserInput("问题: ")
	reply, err := s.Chat(context.Background(), question)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	printBox("助手", reply.Text)
}

func showSummary(s *reader.Session) {
	summary, err := s.Summary(context.Background())
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	printBox(fmt.Sprintf("截至第 %d 章", s.Chapter()), summary)
}

// 列出已注册服务
func listServices() {
	names := di.GetContainer().GetNames()
	fmt.Printf("已注册 %d 个服务:\n", len(names))
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
}

func printBox(title, content string) {
	border := strings.Repeat("─", boxWidth+2)
	fmt.Println("┌" + border + "┐")
	if title != "" {
		fmt.Printf("│ %s │\n", padRight(title, boxWidth))
		fmt.Println("├" + border + "┤")
	}
	for _, line := range wrapContentForBox(content, boxWidth) {
		fmt.Printf("│ %s │\n", padRight(line, boxWidth))
	}
	fmt.Println("└" + border + "┘")
}

func wrapContentForBox(content string, maxWidth int) []string {
	var lines []string
	for _, raw := range strings.Split(content, "\n") {
		runes := []rune(raw)
		if len(runes) == 0 {
			lines = append(lines, "")
			continue
		}
		for len(runes) > maxWidth {
			lines = append(lines, string(runes[:maxWidth]))
			runes = runes[maxWidth:]
		}
		lines = append(lines, string(runes))
	}
	return lines
}

func padRight(text string, width int) string {
	n := utf8.RuneCountInString(text)
	if n >= width {
		return text
	}
	return text + strings.Repeat(" ", width-n)
}

func truncateForCLI(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
