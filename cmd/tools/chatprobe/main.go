// chatprobe signs in as one demo user, opens the conversation with a partner
// and follows it live from the terminal. Useful for checking a deployment end
// to end: HTTP, WebSocket pushes, receipts, presence and uploads.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/backend/remote"
	"github.com/zhouzirui/tripmate/backend/internal/engine/attachment"
	"github.com/zhouzirui/tripmate/backend/internal/engine/composer"
	"github.com/zhouzirui/tripmate/backend/internal/engine/conversation"
	"github.com/zhouzirui/tripmate/backend/internal/engine/presence"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("api", envOr("CHATPROBE_API", "http://localhost:8080/api"), "API 根地址")
	user := flag.String("user", "mei", "登录用户 ID")
	partner := flag.String("partner", "tomas", "对话对象用户 ID")
	text := flag.String("send", "", "打开后发送的文本（附件时作为说明）")
	attachPath := flag.String("attach", "", "打开后上传并发送的文件路径")
	react := flag.String("react", "", "对最新一条消息切换的表情")
	watch := flag.Duration("watch", 30*time.Second, "保持在线监听的时长，0 表示直到 Ctrl+C")
	level := flag.String("log-level", "info", "日志级别")
	flag.Parse()

	logger.Init(*level, "text")
	log := logger.With("chatprobe")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := login(ctx, *apiURL, *user)
	if err != nil {
		log.Error("login_failed", "user_id", *user, "error", err)
		os.Exit(1)
	}

	client, err := remote.New(remote.Options{BaseURL: *apiURL, Token: token, Logger: logger.With("remote")})
	if err != nil {
		log.Error("client_init_failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	conversationID, err := findOrCreateConversation(ctx, *apiURL, token, *partner)
	if err != nil {
		log.Error("conversation_lookup_failed", "partner_id", *partner, "error", err)
		os.Exit(1)
	}

	tracker := presence.NewTracker(client, presence.Options{})
	if err := tracker.Start(ctx, *user); err != nil {
		log.Warn("presence_start_failed", "error", err)
	}
	defer tracker.Stop(context.Background())

	p := &printer{}
	view := conversation.New(client, conversation.Options{
		ViewerID: *user,
		Viewport: p,
		Signals:  p,
		Presence: tracker,
		Logger:   logger.With("conversation"),
	})
	p.view = view
	defer view.Close()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = view.Open(openCtx, conversationID)
	cancel()
	if err != nil {
		log.Error("open_failed", "conversation_id", conversationID, "error", err)
		os.Exit(1)
	}
	p.printAll()

	draft := composer.New()
	if *attachPath != "" {
		up, err := upload(ctx, client, *user, *attachPath)
		if err != nil {
			log.Error("upload_failed", "path", *attachPath, "error", err)
			os.Exit(1)
		}
		draft.Attach(up)
	}
	if *text != "" {
		draft.SetText(*text)
	}
	if *text != "" || *attachPath != "" {
		if err := draft.Submit(ctx, view); err != nil {
			log.Error("send_failed", "error", err)
		}
	}

	if *react != "" {
		if msgs := view.Messages(); len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if err := view.ToggleReaction(ctx, last.ID, *react); err != nil {
				log.Warn("reaction_failed", "message_id", last.ID, "error", err)
			}
		}
	}

	if *watch > 0 {
		var cancelWatch context.CancelFunc
		ctx, cancelWatch = context.WithTimeout(ctx, *watch)
		defer cancelWatch()
	}
	log.Info("watching", "conversation_id", conversationID, "partner_online", view.PartnerOnline())
	<-ctx.Done()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// printer 把会话变化打印到终端
type printer struct {
	view *conversation.Synchronizer

	mu   sync.Mutex
	seen int
}

// ScrollToNewest 只处理推送带来的新消息，首屏由 printAll 输出
func (p *printer) ScrollToNewest(animated bool) {
	if !animated || p.view == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.view.Messages()
	for _, m := range msgs[min(p.seen, len(msgs)):] {
		p.printMessage(m)
	}
	p.seen = len(msgs)
}

func (p *printer) MessagesRead(conversationID string) {
	logger.Debug("messages_marked_read", "conversation_id", conversationID)
}

func (p *printer) printAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.view.Groups() {
		fmt.Printf("── %s ──\n", g.Label)
		for _, m := range g.Messages {
			p.printMessage(m)
		}
	}
	p.seen = len(p.view.Messages())
}

func (p *printer) printMessage(m chat.Message) {
	read := ""
	if p.view.ReadByOther(m.ID) {
		read = " ✓✓"
	}
	body := m.Content
	if f := m.Metadata.File; f != nil {
		body = fmt.Sprintf("[%s %s, %s] %s", m.Type, f.Name, humanize.IBytes(uint64(f.Size)), m.Content)
	}
	var reactions []string
	for _, g := range p.view.Reactions(m.ID) {
		reactions = append(reactions, fmt.Sprintf("%s%d", g.Emoji, g.Count))
	}
	suffix := ""
	if len(reactions) > 0 {
		suffix = "  " + strings.Join(reactions, " ")
	}
	sender := m.SenderLabel
	if sender == "" {
		sender = "me"
	}
	fmt.Printf("%s  %-12s %s%s%s\n", m.CreatedAt.Local().Format("15:04"), sender, body, read, suffix)
}

func upload(ctx context.Context, client *remote.Client, user, path string) (chat.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return chat.UploadResult{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return chat.UploadResult{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	u := attachment.New(client, user, attachment.Options{})
	return u.Upload(ctx, backend.File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType,
		Body:     f,
	})
}

func login(ctx context.Context, apiURL, user string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := postJSON(ctx, apiURL+"/session", "", map[string]string{"userId": user}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func findOrCreateConversation(ctx context.Context, apiURL, token, partner string) (string, error) {
	var conv chat.Conversation
	if err := postJSON(ctx, apiURL+"/conversations", token, map[string]string{"participantId": partner}, &conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

func postJSON(ctx context.Context, url, token string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return fmt.Errorf("POST %s: %d %s", url, resp.StatusCode, payload.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
