// Package ui defines presentation-side contracts shared by bot front-ends.
package ui

import tele "gopkg.in/telebot.v4"

// FallbackProvider exposes the handlers a bot supplies for updates that map
// to no command, callback, or expected document. The routers fall back to
// these when the registry has nothing registered.
type FallbackProvider interface {
	UnknownText() tele.HandlerFunc
	UnknownDocument() tele.HandlerFunc
	UnknownCallback() tele.HandlerFunc
}
