package bot

import (
	"github.com/aqasem/rollcall/core/artifacts"
	coreconfig "github.com/aqasem/rollcall/core/config"
	"github.com/aqasem/rollcall/core/coordinator"
	tg "github.com/aqasem/rollcall/core/telegram"
	"github.com/aqasem/rollcall/core/telegram/helpers"
	"github.com/aqasem/rollcall/core/telegram/router"
	"github.com/aqasem/rollcall/core/telegram/state"
	"github.com/aqasem/rollcall/core/telegram/ui"

	tele "gopkg.in/telebot.v4"
)

// Bot wires the Telegram surface to the coordinator.
type Bot struct {
	cfg   *coreconfig.Config
	coord *coordinator.Coordinator
	art   *artifacts.Store
	fsm   state.Manager
}

// New builds the bot surface. The artifacts store may be nil; screenshots
// are then omitted from result notifications.
func New(cfg *coreconfig.Config, coord *coordinator.Coordinator, art *artifacts.Store) *Bot {
	b := &Bot{
		cfg:   cfg,
		coord: coord,
		art:   art,
		fsm:   state.NewMemoryManager(),
	}
	b.registerStates()
	return b
}

// Registry builds the command and callback registry for this bot.
func (b *Bot) Registry() *tg.Registry {
	reg := tg.NewRegistry()
	b.registerCommands(reg)
	b.registerCallbacks(reg)
	reg.SetTextFallback(b.UnknownText())
	reg.SetCallbackNotFound(b.UnknownCallback())
	return reg
}

// Routes assembles all handler routes, command access checks included.
func (b *Bot) Routes(reg *tg.Registry) []tg.Route {
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminID:       b.cfg.Telegram.AdminID,
		AllowedIDs:    b.cfg.Telegram.AllowedIDs,
		OnAdminReject: b.denyAdmin,
		OnDenied:      b.denyAccess,
	})
	routes = append(routes, router.TextRoutes(b.fsm, reg, router.TextOptions{
		UnknownText:     b.UnknownText(),
		UnknownDocument: b.UnknownDocument(),
	})...)
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{
		NotFound: b.UnknownCallback(),
	}))
	return routes
}

var _ ui.FallbackProvider = (*Bot)(nil)

// UnknownText handles text that matches no command or FSM step.
func (b *Bot) UnknownText() tele.HandlerFunc {
	return func(c tele.Context) error {
		return helpers.SendText(c, "I did not understand that. Try /start.")
	}
}

// UnknownDocument handles unexpected document uploads.
func (b *Bot) UnknownDocument() tele.HandlerFunc {
	return func(c tele.Context) error {
		return helpers.SendText(c, "I cannot process files here.")
	}
}

// UnknownCallback handles callbacks with no registered handler.
func (b *Bot) UnknownCallback() tele.HandlerFunc {
	return func(c tele.Context) error {
		return c.Respond(&tele.CallbackResponse{Text: "Unsupported action"})
	}
}

func (b *Bot) denyAccess(c tele.Context) error {
	return helpers.SendText(c, "This bot is private. Ask the administrator for access.")
}

func (b *Bot) denyAdmin(c tele.Context) error {
	return helpers.SendText(c, "Only the administrator can do that.")
}

func (b *Bot) caller(c tele.Context) string {
	if c == nil || c.Sender() == nil {
		return "tg"
	}
	return "tg:" + itoa64(c.Sender().ID)
}

func (b *Bot) isAdmin(c tele.Context) bool {
	return c.Sender() != nil && b.cfg.Telegram.AdminID != 0 &&
		c.Sender().ID == b.cfg.Telegram.AdminID
}
