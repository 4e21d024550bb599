package state

import tele "gopkg.in/telebot.v4"

// fsmHandlers maps a conversation state to the handler that consumes the
// next incoming message while a user is in that state. Registration happens
// once during bot construction, so no locking is needed.
var fsmHandlers = map[State]tele.HandlerFunc{}

// RegisterHandler binds st to h. Nil handlers are ignored and a repeated
// registration for the same state replaces the previous handler.
func RegisterHandler(st State, h tele.HandlerFunc) {
	if h == nil {
		return
	}
	fsmHandlers[st] = h
}
