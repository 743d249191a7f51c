package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

// UpdateMenuCommands updates Telegram's global /menu command list.
// Best-effort: it only performs a network call when the list changes.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	tc := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		tc = append(tc, tele.Command{Text: c.Command, Description: d})
		if len(tc) >= 100 {
			break
		}
	}

	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := a.bot.SetCommands(tc); err != nil {
		return err
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(tc)))
	return nil
}
