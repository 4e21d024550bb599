// Package state keeps per-user conversation state for the bot. It backs the
// multi-step dialogs (registration, settings input) with an in-memory
// manager and a small registry of per-state message handlers.
package state
