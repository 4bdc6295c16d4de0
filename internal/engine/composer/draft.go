// Package composer captures user input for one conversation and hands it to a
// Sender. It performs no network I/O of its own.
package composer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

var (
	ErrBusy  = errors.New("composer: a send is already in flight")
	ErrEmpty = errors.New("composer: nothing to send")
)

// Sender is satisfied by *conversation.Synchronizer.
type Sender interface {
	Send(ctx context.Context, content string) error
	SendAttachment(ctx context.Context, up chat.UploadResult, caption string) error
}

// Draft holds the unsent text and at most one uploaded attachment.
type Draft struct {
	mu         sync.Mutex
	text       string
	attachment *chat.UploadResult
	sending    bool
}

func New() *Draft {
	return &Draft{}
}

func (d *Draft) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
}

func (d *Draft) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// AddEmoji appends emoji to the text.
func (d *Draft) AddEmoji(emoji string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text += emoji
}

// Attach replaces the pending attachment with an already uploaded file.
func (d *Draft) Attach(up chat.UploadResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attachment = &up
}

// Detach drops the pending attachment and returns it, so the caller can
// remove the orphaned object from storage.
func (d *Draft) Detach() (chat.UploadResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachment == nil {
		return chat.UploadResult{}, false
	}
	up := *d.attachment
	d.attachment = nil
	return up, true
}

func (d *Draft) Attachment() (chat.UploadResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachment == nil {
		return chat.UploadResult{}, false
	}
	return *d.attachment, true
}

// Sending reports whether a Submit is in flight.
func (d *Draft) Sending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sending
}

// Submit sends the draft: the attachment with the text as caption, or the
// text alone. On success the draft is cleared; on failure it is kept intact
// and the error returned.
func (d *Draft) Submit(ctx context.Context, s Sender) error {
	d.mu.Lock()
	if d.sending {
		d.mu.Unlock()
		return ErrBusy
	}
	text := d.text
	var att *chat.UploadResult
	if d.attachment != nil {
		up := *d.attachment
		att = &up
	}
	if att == nil && strings.TrimSpace(text) == "" {
		d.mu.Unlock()
		return ErrEmpty
	}
	d.sending = true
	d.mu.Unlock()

	var err error
	if att != nil {
		err = s.SendAttachment(ctx, *att, text)
	} else {
		err = s.Send(ctx, text)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sending = false
	if err != nil {
		return err
	}
	// 发送期间用户可能继续输入，只清除已发送的内容
	if d.text == text {
		d.text = ""
	} else {
		d.text = strings.TrimPrefix(d.text, text)
	}
	if att != nil && d.attachment != nil && d.attachment.Path == att.Path {
		d.attachment = nil
	}
	return nil
}
