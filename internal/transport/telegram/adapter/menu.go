package adapter

import (
	"context"
	"hash/fnv"
	"sync"

	tele "gopkg.in/telebot.v4"

	kit "claimbot/internal/transport"
	logx "claimbot/pkg/logx"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// commandMenu remembers the last published command list by hash.
type commandMenu struct {
	mu   sync.Mutex
	last uint64
}

// menuCommands drops entries without a command, defaults the description to
// the command, and applies the Bot API limits.
func menuCommands(cmds []kit.BotCommand) ([]tele.Command, uint64) {
	h := fnv.New64a()
	out := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if len(out) == maxMenuCommands {
			break
		}
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > maxMenuDescription {
			d = d[:maxMenuDescription]
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	return out, h.Sum64()
}

// UpdateMenuCommands publishes the command menu. It is a no-op when the
// list has not changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	list, sum := menuCommands(cmds)

	a.menu.mu.Lock()
	defer a.menu.mu.Unlock()
	if sum == a.menu.last {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return classify(err)
	}
	a.menu.last = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
