package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"binance-grid-engine-go/internal/models"
)

var botKeyPrefix = []byte("bot:")

// badgerStore is the BadgerDB implementation of the BotStore.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a BadgerDB database at the given path.
func NewBadgerStore(dbPath string) (BotStore, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the app's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// NewInMemoryStore opens an in-memory Badger instance, used by tests and by
// paper trading when no database path is configured.
func NewInMemoryStore() (BotStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func botKey(id string) []byte {
	return append(append([]byte{}, botKeyPrefix...), id...)
}

// SaveBot marshals the whole aggregate into JSON and writes it in a single
// transaction, so a bot is always persisted all-or-nothing.
func (s *badgerStore) SaveBot(bot *models.Bot) error {
	if bot.ID == "" {
		return errors.New("bot id is empty")
	}
	data, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("marshal bot %s: %w", bot.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(bot.ID), data)
	})
}

// LoadBot loads a bot by id. A missing key returns (nil, nil).
func (s *badgerStore) LoadBot(id string) (*models.Bot, error) {
	var bot models.Bot

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("bot value is empty in database")
			}
			return json.Unmarshal(val, &bot)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// LoadActive returns all non-deleted bots in ACTIVE or RECOVERING state.
func (s *badgerStore) LoadActive() ([]*models.Bot, error) {
	return s.scan(func(b *models.Bot) bool {
		return !b.Deleted && (b.Status == models.StatusActive || b.Status == models.StatusRecovering)
	})
}

// LoadAll returns every non-deleted bot.
func (s *badgerStore) LoadAll() ([]*models.Bot, error) {
	return s.scan(func(b *models.Bot) bool {
		return !b.Deleted
	})
}

func (s *badgerStore) scan(keep func(*models.Bot) bool) ([]*models.Bot, error) {
	var bots []*models.Bot

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = botKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(botKeyPrefix); it.ValidForPrefix(botKeyPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var bot models.Bot
				if err := json.Unmarshal(val, &bot); err != nil {
					return fmt.Errorf("unmarshal key %s: %w", it.Item().Key(), err)
				}
				if keep(&bot) {
					bots = append(bots, &bot)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bots, nil
}

// DeleteBot marks the bot deleted. The record stays in the database.
func (s *badgerStore) DeleteBot(id string) error {
	bot, err := s.LoadBot(id)
	if err != nil {
		return err
	}
	if bot == nil {
		return nil
	}
	bot.Deleted = true
	return s.SaveBot(bot)
}

// Close gracefully closes the connection to the database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}
