// Package commands declares the bot command descriptor used by the registry.
package commands

import tele "gopkg.in/telebot.v4"

// Command couples a handler with the metadata the registry and routers need.
// AdminOnly commands are gated on the configured admin id; Hidden commands
// are excluded from the Telegram command menu.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	AdminOnly   bool
	Hidden      bool
	Aliases     []string
}
