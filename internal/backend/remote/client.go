// Package remote implements the backend contract against the reference API:
// JSON over HTTP for reads and writes, one shared WebSocket for pushes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

// Options configures a Client. BaseURL points at the API root, e.g.
// "http://localhost:8080/api".
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// ReconnectMin and ReconnectMax bound the WebSocket redial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client is safe for concurrent use. Reads and writes act as the user the
// token was issued to; reader and user arguments must name that user.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	log    *slog.Logger
	socket *socket
}

var (
	_ backend.Backend       = (*Client)(nil)
	_ backend.ObjectStorage = (*Client)(nil)
	_ backend.PresenceStore = (*Client)(nil)
	_ backend.Reconnector   = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logger.With("remote")
	}
	c := &Client{base: base, token: opts.Token, http: opts.HTTPClient, log: opts.Logger}
	c.socket = newSocket(c.wsURL(), opts.Token, opts.ReconnectMin, opts.ReconnectMax, opts.Logger)
	return c, nil
}

// OnReconnect runs fn each time the push connection is re-established and
// all topics are subscribed again. Events sent while disconnected are lost,
// so fn should re-read whatever it shows.
func (c *Client) OnReconnect(fn func()) backend.Subscription {
	return c.socket.onReconnect(fn)
}

// Close drops the push connection. Pending subscriptions stop receiving.
func (c *Client) Close() error {
	return c.socket.close()
}

func (c *Client) wsURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, nil), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// statusError maps a non-2xx response to a backend sentinel.
func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(raw, &payload) != nil {
		payload.Error = strings.TrimSpace(string(raw))
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = backend.ErrNotFound
	case http.StatusUnauthorized:
		sentinel = backend.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = backend.ErrForbidden
	case http.StatusTooManyRequests:
		sentinel = backend.ErrRateLimited
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return &chat.ValidationError{Reason: payload.Error}
	default:
		return &backend.StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	if payload.Error == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, payload.Error)
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := c.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &conv)
	return conv, err
}

func (c *Client) GetConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var list []chat.Message
	if err := c.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) SendMessage(ctx context.Context, req chat.SendRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(req.ConversationID)+"/messages", req, nil)
}

func (c *Client) MarkMessagesAsRead(ctx context.Context, conversationID, _ string) error {
	return c.doJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

func (c *Client) FetchReadReceiptsForMessages(ctx context.Context, messageIDs []string, readerID string) (map[string]bool, error) {
	out := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	in := struct {
		MessageIDs []string `json:"messageIds"`
		ReaderID   string   `json:"readerId"`
	}{messageIDs, readerID}
	if err := c.doJSON(ctx, http.MethodPost, "/receipts/query", in, &out); err != nil {
		return nil, err
	}
	for _, id := range messageIDs {
		if _, ok := out[id]; !ok {
			out[id] = false
		}
	}
	return out, nil
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji, _ string) error {
	in := map[string]string{"emoji": emoji}
	return c.doJSON(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", in, nil)
}

// Upload streams file as multipart form data; the body is not buffered.
func (c *Client) Upload(ctx context.Context, path string, file backend.File) (backend.StoredObject, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := writeUpload(form, path, file)
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/media", nil), pr)
	if err != nil {
		pr.Close()
		return backend.StoredObject{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var obj backend.StoredObject
	if err := c.do(req, &obj); err != nil {
		pr.Close()
		return backend.StoredObject{}, err
	}
	return obj, nil
}

func writeUpload(form *multipart.Writer, path string, file backend.File) error {
	if err := form.WriteField("path", path); err != nil {
		return err
	}
	part, err := form.CreatePart(fileHeader(file))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file.Body)
	return err
}

func fileHeader(file backend.File) textproto.MIMEHeader {
	name := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(file.Name)
	mime := file.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, name)},
		"Content-Type":        {mime},
	}
}

func (c *Client) PublicURL(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/media/url", url.Values{"path": {path}}), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		PublicURL string `json:"publicUrl"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.PublicURL, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/media", url.Values{"path": {path}}), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// UpsertPresence writes the caller's own row; the server stamps last_seen.
func (c *Client) UpsertPresence(ctx context.Context, _ string, online bool, _ time.Time) error {
	return c.doJSON(ctx, http.MethodPut, "/presence", map[string]bool{"online": online}, nil)
}

func (c *Client) QueryPresence(ctx context.Context, userIDs []string) (map[string]chat.Presence, error) {
	out := make(map[string]chat.Presence)
	if len(userIDs) == 0 {
		return out, nil
	}
	in := map[string][]string{"userIds": userIDs}
	if err := c.doJSON(ctx, http.MethodPost, "/presence/query", in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsRetryable reports whether err is worth retrying: transport failures and
// 5xx responses, never validation or auth errors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var status *backend.StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	var validation *chat.ValidationError
	if errors.As(err, &validation) {
		return false
	}
	switch {
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrUnauthorized), errors.Is(err, backend.ErrForbidden):
		return false
	}
	return true
}
