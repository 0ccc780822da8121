package persistence

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"trading-engine/internal/models"
)

const botKeyPrefix = "bot:"

// badgerStore is the BadgerDB implementation of Store. Every bot gets
// its own key ("bot:<id>"), so a single-bot rewrite never touches
// another bot's record — the teacher's one-global-key scheme
// generalized to the engine's multi-bot registry.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerStore{db: db}, nil
}

func botKey(id string) []byte {
	return []byte(botKeyPrefix + id)
}

// SaveBotState marshals snap to JSON and writes it under id's key in
// a single transaction, so a reader never observes a partial write.
func (s *badgerStore) SaveBotState(id string, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(id), data)
	})
}

// LoadBotState returns (nil, nil) when id has no snapshot.
func (s *badgerStore) LoadBotState(id string) (*models.Snapshot, error) {
	var snap models.Snapshot

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty")
			}
			return json.Unmarshal(val, &snap)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteBotState removes id's key. Deleting a key that does not
// exist is a no-op in Badger, so callers need not check existence
// first.
func (s *badgerStore) DeleteBotState(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(botKey(id))
	})
}

// ListBotIDs iterates every key under the bot: prefix.
func (s *badgerStore) ListBotIDs() ([]string, error) {
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(botKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, botKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
