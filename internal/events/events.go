// Package events defines the event types published on the bus.
package events

// Bot lifecycle events.
const (
	BotCreated = "bot.created"
	BotStarted = "bot.started"
	BotStopped = "bot.stopped"
	BotUpdated = "bot.updated"
	BotFailed  = "bot.failed"
)
