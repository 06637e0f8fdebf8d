package store

import "binance-grid-engine-go/internal/models"

// BotStore defines the interface for bot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type BotStore interface {
	// SaveBot atomically saves the entire bot aggregate.
	SaveBot(bot *models.Bot) error

	// LoadBot loads a bot by id. If no bot is found, it returns (nil, nil).
	LoadBot(id string) (*models.Bot, error)

	// LoadActive returns all non-deleted bots whose status requires the
	// engine's attention on startup (ACTIVE and RECOVERING).
	LoadActive() ([]*models.Bot, error)

	// LoadAll returns every non-deleted bot.
	LoadAll() ([]*models.Bot, error)

	// DeleteBot soft-deletes a bot. The record is kept for auditing but no
	// longer shows up in LoadActive or LoadAll.
	DeleteBot(id string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
