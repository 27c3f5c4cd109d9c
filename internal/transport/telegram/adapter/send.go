package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "claimbot/internal/transport"
)

// SendText sends text in as many chunks as TextLimit requires and returns a
// reference to the first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{
		ParseMode:             o.ParseMode,
		DisableWebPagePreview: o.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for _, chunk := range SplitText(text, a.cfg.TextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, send)
		if err != nil {
			return first, classify(err)
		}
		if first.MessageID == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// classify maps telebot errors the callers act on to transport errors.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	for _, gone := range []error{tele.ErrBlockedByUser, tele.ErrUserIsDeactivated, tele.ErrChatNotFound} {
		if errors.Is(err, gone) {
			return fmt.Errorf("%w: %w", kit.ErrChatUnavailable, err)
		}
	}
	return err
}
