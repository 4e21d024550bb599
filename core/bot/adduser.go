package bot

import (
	"strings"

	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/telegram/helpers"
	"github.com/aqasem/rollcall/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

// Conversation states.
const (
	stateSetURL      state.State = "set_url"
	stateCustomGeo   state.State = "custom_geo"
	stateAddUsername state.State = "add_username"
	stateAddPhone    state.State = "add_phone"
	stateAddID       state.State = "add_student_id"
	stateAddPassword state.State = "add_password"
)

// Temp-data keys used across conversation steps.
const (
	tmpMode      = "add_mode"
	tmpUsername  = "add_username"
	tmpPhone     = "add_phone"
	tmpStudentID = "add_student_id"
)

const (
	modeAdmin    = "admin"
	modeRegister = "register"
)

func (b *Bot) registerStates() {
	state.RegisterHandler(stateSetURL, b.stepSetURL)
	state.RegisterHandler(stateCustomGeo, b.stepCustomGeo)
	state.RegisterHandler(stateAddUsername, b.stepUsername)
	state.RegisterHandler(stateAddPhone, b.stepPhone)
	state.RegisterHandler(stateAddID, b.stepStudentID)
	state.RegisterHandler(stateAddPassword, b.stepPassword)
}

// startAddStudent begins the admin add-student conversation.
func (b *Bot) startAddStudent(c tele.Context) error {
	if !b.isAdmin(c) {
		return b.denyAdmin(c)
	}
	uid := c.Sender().ID
	b.fsm.Clear(uid)
	b.fsm.SetTemp(uid, tmpMode, modeAdmin)
	b.fsm.Set(uid, stateAddUsername)
	return helpers.SendText(c, "New student. Full name?")
}

// startRegister begins self-registration; the record lands pending until the
// administrator approves it.
func (b *Bot) startRegister(c tele.Context) error {
	uid := c.Sender().ID
	b.fsm.Clear(uid)
	b.fsm.SetTemp(uid, tmpMode, modeRegister)
	b.fsm.Set(uid, stateAddUsername)
	return helpers.SendText(c, "Let's link this chat to a student. Your full name?")
}

func (b *Bot) stepUsername(c tele.Context) error {
	uid := c.Sender().ID
	name := strings.TrimSpace(c.Text())
	if name == "" {
		return helpers.SendText(c, "Name must not be empty. Try again:")
	}
	b.fsm.SetTemp(uid, tmpUsername, name)
	b.fsm.Set(uid, stateAddPhone)
	return helpers.SendText(c, "Phone number? (or \"-\" to skip)")
}

func (b *Bot) stepPhone(c tele.Context) error {
	uid := c.Sender().ID
	phone := strings.TrimSpace(c.Text())
	if phone == "-" {
		phone = ""
	}
	b.fsm.SetTemp(uid, tmpPhone, phone)
	b.fsm.Set(uid, stateAddID)
	return helpers.SendText(c, "Student id?")
}

func (b *Bot) stepStudentID(c tele.Context) error {
	uid := c.Sender().ID
	id := strings.TrimSpace(c.Text())
	if id == "" {
		return helpers.SendText(c, "Student id must not be empty. Try again:")
	}
	b.fsm.SetTemp(uid, tmpStudentID, id)
	b.fsm.Set(uid, stateAddPassword)
	return helpers.SendText(c, "Portal password?")
}

func (b *Bot) stepPassword(c tele.Context) error {
	ctx := helpers.WithHandler(c, "add_student")
	uid := c.Sender().ID
	password := strings.TrimSpace(c.Text())
	if password == "" {
		return helpers.SendText(c, "Password must not be empty. Try again:")
	}

	mode, _ := b.fsm.GetTemp(uid, tmpMode)
	username, _ := b.fsm.GetTemp(uid, tmpUsername)
	phone, _ := b.fsm.GetTemp(uid, tmpPhone)
	studentID, _ := b.fsm.GetTemp(uid, tmpStudentID)
	b.fsm.Clear(uid)

	in := coordinator.StudentInput{
		ID:       asString(studentID),
		Username: asString(username),
		Password: password,
		Phone:    asString(phone),
	}

	var err error
	if asString(mode) == modeRegister {
		err = b.coord.RequestStudent(ctx, b.caller(c), in, uid)
	} else {
		err = b.coord.AddStudent(ctx, b.caller(c), in)
	}
	if err != nil {
		return b.reportError(c, err)
	}

	if asString(mode) == modeRegister {
		b.notifyAdminOfRequest(c, in)
		return helpers.SendText(c, "Request sent. You will be able to run check-ins once the administrator approves you.")
	}
	return helpers.SendText(c, "Student "+in.ID+" added.")
}

// notifyAdminOfRequest pings the admin chat about a fresh registration.
func (b *Bot) notifyAdminOfRequest(c tele.Context, in coordinator.StudentInput) {
	adminID := b.cfg.Telegram.AdminID
	if adminID == 0 || c.Bot() == nil {
		return
	}
	text := "🆕 Registration request: " + in.ID
	if in.Username != "" {
		text += " (" + in.Username + ")"
	}
	markup := b.rosterMenu([]coordinator.Student{{ID: in.ID, Pending: true}})
	_, _ = c.Bot().Send(&tele.User{ID: adminID}, text, &tele.SendOptions{ReplyMarkup: markup})
}

func (b *Bot) stepSetURL(c tele.Context) error {
	ctx := helpers.WithHandler(c, "set_url")
	uid := c.Sender().ID
	url := strings.TrimSpace(c.Text())
	if err := b.setURL(ctx, b.caller(c), url); err != nil {
		return b.reportError(c, err)
	}
	b.fsm.Clear(uid)
	return helpers.SendText(c, "URL saved: "+url)
}

func (b *Bot) stepCustomGeo(c tele.Context) error {
	ctx := helpers.WithHandler(c, "custom_geo")
	uid := c.Sender().ID
	loc, ok := helpers.ParseLocation(c.Text())
	if !ok {
		return helpers.SendText(c, "Could not parse that. Send: lat, lon or lat, lon, accuracy")
	}
	err := b.coord.MutateSettings(ctx, b.caller(c), func(s *coordinator.Settings) {
		s.GeoSource = "fixed"
		s.GeoLatitude = loc.Latitude
		s.GeoLongitude = loc.Longitude
		s.GeoAccuracy = loc.Accuracy
	})
	if err != nil {
		return b.reportError(c, err)
	}
	b.fsm.Clear(uid)
	return b.openRunMenu(c)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
