package bot

import (
	"context"
	"strconv"
	"strings"

	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// Notifier pushes task results back into Telegram once a task reaches a
// terminal status. It resolves the recipient from the task's submitter
// ("tg:<chat id>") and falls back to the admin chat.
type Notifier struct {
	bot     *tele.Bot
	b       *Bot
	adminID int64
}

// NewNotifier builds a notifier bound to a live bot instance.
func (b *Bot) NewNotifier(bot *tele.Bot) *Notifier {
	return &Notifier{bot: bot, b: b, adminID: b.cfg.Telegram.AdminID}
}

// Notify implements the runner's terminal hook.
func (n *Notifier) Notify(ctx context.Context, task store.Task) {
	if n == nil || n.bot == nil || !task.Status.Terminal() {
		return
	}
	chatID := n.recipient(task)
	if chatID == 0 {
		return
	}

	to := &tele.User{ID: chatID}
	text := resultView(task)

	if task.ArtifactRef != "" && n.b.art != nil {
		if path, err := n.b.art.Path(task.ArtifactRef); err == nil {
			photo := &tele.Photo{File: tele.FromDisk(path), Caption: text}
			if _, err := n.bot.Send(to, photo); err == nil {
				return
			}
			logger.TG.LogAttrs(ctx, slog.LevelWarn, "notify.photo_failed",
				slog.String("task_id", task.ID),
				slog.String("artifact", task.ArtifactRef),
			)
		}
	}

	if _, err := n.bot.Send(to, text); err != nil {
		logger.TG.LogAttrs(ctx, slog.LevelWarn, "notify.failed",
			slog.String("task_id", task.ID),
			slog.Int64("chat_id", chatID),
			slog.String("err", err.Error()),
		)
	}
}

func (n *Notifier) recipient(task store.Task) int64 {
	if id, ok := strings.CutPrefix(task.SubmittedBy, "tg:"); ok {
		if chatID, err := strconv.ParseInt(id, 10, 64); err == nil {
			return chatID
		}
	}
	return n.adminID
}
