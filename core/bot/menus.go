package bot

import (
	"errors"
	"fmt"

	"github.com/aqasem/rollcall/core/coordinator"
	tg "github.com/aqasem/rollcall/core/telegram"
	"github.com/aqasem/rollcall/core/telegram/callbacks"
	"github.com/aqasem/rollcall/core/telegram/format"
	"github.com/aqasem/rollcall/core/telegram/helpers"
	"github.com/aqasem/rollcall/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

// Callback keys. Payloads carry the subject, student id or geo source.
const (
	cbMenuRun      = "menu_run"
	cbMenuStatus   = "menu_status"
	cbMenuHistory  = "menu_history"
	cbMenuSettings = "menu_settings"
	cbMenuRoster   = "menu_roster"
	cbMenuRegister = "menu_register"
	cbMenuAddUser  = "menu_add_user"

	cbRunSubject = "run_subject"
	cbRunGeo     = "run_geo"
	cbRunStart   = "run_start"
	cbRunCancel  = "run_cancel"

	cbStudentApprove = "student_approve"
	cbStudentReject  = "student_reject"
	cbStudentDelete  = "student_delete"

	geoCustom = "custom"
)

func (b *Bot) registerCallbacks(reg *tg.Registry) {
	register := func(key string, h tele.HandlerFunc) { _ = reg.RegisterCallback(key, h) }

	register(cbMenuRun, func(c tele.Context) error { return b.openRunMenu(c) })
	register(cbMenuStatus, b.cmdStatus)
	register(cbMenuHistory, b.cmdHistory)
	register(cbMenuSettings, b.showSettings)
	register(cbMenuRoster, b.cmdList)
	register(cbMenuRegister, b.startRegister)
	register(cbMenuAddUser, b.startAddStudent)

	register(cbRunSubject, b.pickSubject)
	register(cbRunGeo, b.pickGeo)
	register(cbRunStart, b.startRun)
	register(cbRunCancel, b.cancelRunMenu)

	register(cbStudentApprove, b.approveStudent)
	register(cbStudentReject, b.rejectStudent)
	register(cbStudentDelete, b.deleteStudent)
}

func (b *Bot) mainMenu(admin, linked bool) *tele.ReplyMarkup {
	rows := [][]keyboard.InlineBtn{
		{
			{Text: "▶️ Run check-in", Unique: cbMenuRun},
			{Text: "📋 Status", Unique: cbMenuStatus},
		},
		{
			{Text: "🗓 History", Unique: cbMenuHistory},
			{Text: "⚙️ Settings", Unique: cbMenuSettings},
		},
	}
	if admin {
		rows = append(rows, []keyboard.InlineBtn{
			{Text: "👥 Students", Unique: cbMenuRoster},
			{Text: "➕ Add student", Unique: cbMenuAddUser},
		})
	} else if !linked {
		rows = append(rows, []keyboard.InlineBtn{
			{Text: "✍️ Register", Unique: cbMenuRegister},
		})
	}
	return keyboard.InlineButtonsRows(rows...)
}

func (b *Bot) showSettings(c tele.Context) error {
	ctx := helpers.WithHandler(c, "settings")
	settings, err := b.coord.GetSettings(ctx)
	if err != nil {
		return b.reportError(c, err)
	}
	return helpers.SendText(c, settingsView(settings))
}

// openRunMenu renders the run preparation screen: the current target,
// a subject picker and a location picker, then a start button.
func (b *Bot) openRunMenu(c tele.Context) error {
	ctx := helpers.WithHandler(c, "run_menu")
	settings, err := b.coord.GetSettings(ctx)
	if err != nil {
		return b.reportError(c, err)
	}
	if settings.URL == "" {
		if b.isAdmin(c) {
			b.fsm.Set(c.Sender().ID, stateSetURL)
			return helpers.SendText(c, "No attendance URL configured. Send it now:")
		}
		return helpers.SendText(c, "No attendance URL configured yet, ask the administrator.")
	}

	subjectBtns := make([]keyboard.InlineBtn, 0, len(settings.SubjectsLibrary))
	for _, subject := range settings.SubjectsLibrary {
		label := subject
		if subject == settings.SelectedSubject {
			label = "✅ " + subject
		}
		subjectBtns = append(subjectBtns, keyboard.InlineBtn{Text: label, Unique: cbRunSubject, Data: subject})
	}

	geoRow := []keyboard.InlineBtn{
		{Text: geoLabel(settings.GeoSource, "fixed", "📍 Fixed"), Unique: cbRunGeo, Data: "fixed"},
		{Text: geoLabel(settings.GeoSource, "ip", "🌐 By IP"), Unique: cbRunGeo, Data: "ip"},
		{Text: geoLabel(settings.GeoSource, "browser", "🧭 Browser"), Unique: cbRunGeo, Data: "browser"},
		{Text: "✏️ Custom", Unique: cbRunGeo, Data: geoCustom},
	}

	rows := make([][]keyboard.InlineBtn, 0, 4)
	if len(subjectBtns) > 0 {
		for i := 0; i < len(subjectBtns); i += 2 {
			end := i + 2
			if end > len(subjectBtns) {
				end = len(subjectBtns)
			}
			rows = append(rows, subjectBtns[i:end])
		}
	}
	rows = append(rows, geoRow)
	rows = append(rows, []keyboard.InlineBtn{
		{Text: "🚀 Start", Unique: cbRunStart},
		{Text: "❌ Cancel", Unique: cbRunCancel, Data: "cancel"},
	})

	// EditOrSendMD renders Markdown; subject names and URLs may carry
	// characters Telegram would otherwise parse.
	target, _ := format.EscapeMarkdown(settings.URL, format.MarkdownV1)
	subject, _ := format.EscapeMarkdown(orUnset(settings.SelectedSubject), format.MarkdownV1)
	text := fmt.Sprintf("▶️ Run preparation\n\nTarget: %s\nSubject: %s\nLocation: %s",
		target, subject, orUnset(settings.GeoSource))
	return helpers.EditOrSendMD(c, text, keyboard.InlineButtonsRows(rows...))
}

func geoLabel(current, value, label string) string {
	if current == value {
		return "✅ " + label
	}
	return label
}

func orUnset(v string) string {
	if v == "" {
		return "not set"
	}
	return v
}

func (b *Bot) pickSubject(c tele.Context) error {
	ctx := helpers.WithHandler(c, "run_subject")
	subject := callbacks.CallbackPayload(c)
	if subject == "" {
		return c.Respond(&tele.CallbackResponse{Text: "No subject"})
	}
	err := b.coord.MutateSettings(ctx, b.caller(c), func(s *coordinator.Settings) {
		s.SelectedSubject = subject
	})
	if err != nil {
		return b.reportError(c, err)
	}
	return b.openRunMenu(c)
}

func (b *Bot) pickGeo(c tele.Context) error {
	ctx := helpers.WithHandler(c, "run_geo")
	source := callbacks.CallbackPayload(c)
	if source == geoCustom {
		b.fsm.Set(c.Sender().ID, stateCustomGeo)
		return helpers.SendText(c, "Send coordinates as: lat, lon or lat, lon, accuracy")
	}
	err := b.coord.MutateSettings(ctx, b.caller(c), func(s *coordinator.Settings) {
		s.GeoSource = source
	})
	if err != nil {
		return b.reportError(c, err)
	}
	return b.openRunMenu(c)
}

func (b *Bot) startRun(c tele.Context) error {
	ctx := helpers.WithHandler(c, "run_start")
	settings, err := b.coord.GetSettings(ctx)
	if err != nil {
		return b.reportError(c, err)
	}
	if settings.SelectedSubject == "" {
		return c.Respond(&tele.CallbackResponse{Text: "Pick a subject first"})
	}
	ids, err := b.coord.SubmitRun(ctx, b.caller(c), settings.SelectedSubject, settings.URL)
	if err != nil {
		return b.reportError(c, err)
	}
	return helpers.SendText(c, fmt.Sprintf("🚀 Queued %d check-in(s) for %s.", len(ids), settings.SelectedSubject))
}

func (b *Bot) cancelRunMenu(c tele.Context) error {
	b.fsm.Clear(c.Sender().ID)
	return helpers.EditOrSendMD(c, "Run cancelled.")
}

func (b *Bot) rosterMenu(students []coordinator.Student) *tele.ReplyMarkup {
	var rows [][]keyboard.InlineBtn
	for _, s := range students {
		if !s.Pending {
			continue
		}
		rows = append(rows, []keyboard.InlineBtn{
			{Text: "✅ Approve " + s.ID, Unique: cbStudentApprove, Data: s.ID},
			{Text: "🚫 Reject " + s.ID, Unique: cbStudentReject, Data: s.ID},
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return keyboard.InlineButtonsRows(rows...)
}

func (b *Bot) approveStudent(c tele.Context) error {
	ctx := helpers.WithHandler(c, "student_approve")
	id := callbacks.CallbackPayload(c)
	if err := b.coord.ApproveStudent(ctx, b.caller(c), id); err != nil {
		return b.reportError(c, err)
	}
	return helpers.SendText(c, "Approved "+id+".")
}

func (b *Bot) rejectStudent(c tele.Context) error {
	ctx := helpers.WithHandler(c, "student_reject")
	id := callbacks.CallbackPayload(c)
	if err := b.coord.RejectStudent(ctx, b.caller(c), id); err != nil {
		if errors.Is(err, coordinator.ErrValidation) {
			return c.Respond(&tele.CallbackResponse{Text: "Only pending students can be rejected"})
		}
		return b.reportError(c, err)
	}
	return helpers.SendText(c, "Rejected "+id+".")
}

func (b *Bot) deleteStudent(c tele.Context) error {
	ctx := helpers.WithHandler(c, "student_delete")
	id := callbacks.CallbackPayload(c)
	if err := b.coord.DeleteStudent(ctx, b.caller(c), id); err != nil {
		return b.reportError(c, err)
	}
	return helpers.SendText(c, "Deleted "+id+".")
}
