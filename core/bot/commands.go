package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/aqasem/rollcall/core/coordinator"
	tg "github.com/aqasem/rollcall/core/telegram"
	"github.com/aqasem/rollcall/core/telegram/commands"
	"github.com/aqasem/rollcall/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }

func (b *Bot) registerCommands(reg *tg.Registry) {
	reg.RegisterCommand("/start", commands.Command{
		Handler:     b.cmdStart,
		Description: "Main menu",
	})
	reg.RegisterCommand("/run", commands.Command{
		Handler:     b.cmdRun,
		Description: "Prepare and launch a check-in run",
	})
	reg.RegisterCommand("/status", commands.Command{
		Handler:     b.cmdStatus,
		Description: "Show queued and running tasks",
	})
	reg.RegisterCommand("/history", commands.Command{
		Handler:     b.cmdHistory,
		Description: "Show recent results",
	})
	reg.RegisterCommand("/whoami", commands.Command{
		Handler:     b.cmdWhoami,
		Description: "Show the student linked to this chat",
	})
	reg.RegisterCommand("/seturl", commands.Command{
		Handler:     b.cmdSetURL,
		Description: "Set the attendance page URL",
		AdminOnly:   true,
	})
	reg.RegisterCommand("/setheadless", commands.Command{
		Handler:     b.cmdSetHeadless,
		Description: "Toggle headless browser mode",
		AdminOnly:   true,
	})
	reg.RegisterCommand("/list", commands.Command{
		Handler:     b.cmdList,
		Description: "List students",
		AdminOnly:   true,
		Aliases:     []string{"users"},
	})
}

func (b *Bot) cmdStart(c tele.Context) error {
	ctx := helpers.WithHandler(c, "start")
	b.fsm.Clear(c.Sender().ID)

	_, err := b.coord.StudentByChatID(ctx, c.Sender().ID)
	linked := err == nil
	text := "🎓 RollCall\n\nWhat would you like to do?"
	if !linked && !b.isAdmin(c) {
		text = "🎓 RollCall\n\nThis chat is not linked to a student yet.\nUse ✍️ Register to request access."
	}
	return helpers.SendText(c, text, &tele.SendOptions{ReplyMarkup: b.mainMenu(b.isAdmin(c), linked)})
}

func (b *Bot) cmdRun(c tele.Context) error {
	helpers.WithHandler(c, "run")
	return b.openRunMenu(c)
}

func (b *Bot) cmdStatus(c tele.Context) error {
	ctx := helpers.WithHandler(c, "status")
	tasks, err := b.coord.RecentTasks(ctx, 25)
	if err != nil {
		return b.reportError(c, err)
	}
	open := tasks[:0:0]
	for _, t := range tasks {
		if !t.Status.Terminal() {
			open = append(open, t)
		}
	}
	return helpers.SendText(c, tasksView("📋 Active tasks", open))
}

func (b *Bot) cmdHistory(c tele.Context) error {
	ctx := helpers.WithHandler(c, "history")
	tasks, err := b.coord.RecentTasks(ctx, 10)
	if err != nil {
		return b.reportError(c, err)
	}
	done := tasks[:0:0]
	for _, t := range tasks {
		if t.Status.Terminal() {
			done = append(done, t)
		}
	}
	return helpers.SendText(c, tasksView("🗓 Last results", done))
}

func (b *Bot) cmdWhoami(c tele.Context) error {
	ctx := helpers.WithHandler(c, "whoami")
	student, err := helpers.CurrentStudent[coordinator.Student](ctx, b.coord, c.Sender().ID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			return helpers.SendText(c, "This chat is not linked to any student. Use /start → Register.")
		}
		return b.reportError(c, err)
	}
	return helpers.SendText(c, whoamiView(student, c.Sender().ID))
}

func (b *Bot) cmdList(c tele.Context) error {
	ctx := helpers.WithHandler(c, "list")
	students, err := b.coord.ListStudents(ctx)
	if err != nil {
		return b.reportError(c, err)
	}
	return helpers.SendText(c, rosterView(students), &tele.SendOptions{ReplyMarkup: b.rosterMenu(students)})
}

func (b *Bot) cmdSetURL(c tele.Context) error {
	ctx := helpers.WithHandler(c, "seturl")
	arg := strings.TrimSpace(c.Message().Payload)
	if arg == "" {
		b.fsm.Set(c.Sender().ID, stateSetURL)
		return helpers.SendText(c, "Send the attendance page URL:")
	}
	if err := b.setURL(ctx, b.caller(c), arg); err != nil {
		return b.reportError(c, err)
	}
	return helpers.SendText(c, "URL saved: "+arg)
}

func (b *Bot) cmdSetHeadless(c tele.Context) error {
	ctx := helpers.WithHandler(c, "setheadless")
	var headless bool
	err := b.coord.MutateSettings(ctx, b.caller(c), func(s *coordinator.Settings) {
		s.Headless = !s.Headless
		headless = s.Headless
	})
	if err != nil {
		return b.reportError(c, err)
	}
	mode := "off"
	if headless {
		mode = "on"
	}
	return helpers.SendText(c, "Headless mode is now "+mode+". It applies from the next run.")
}

func (b *Bot) setURL(ctx context.Context, caller, url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return &coordinator.ValidationError{Field: "url", Msg: "must start with http:// or https://"}
	}
	return b.coord.MutateSettings(ctx, caller, func(s *coordinator.Settings) {
		s.URL = url
	})
}

func (b *Bot) reportError(c tele.Context, err error) error {
	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		return helpers.SendText(c, "⚠️ "+verr.Field+": "+verr.Msg)
	case errors.Is(err, coordinator.ErrNotFound):
		return helpers.SendText(c, "⚠️ Not found.")
	default:
		return helpers.SendText(c, "Something went wrong, try again later.")
	}
}
