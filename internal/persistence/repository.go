package persistence

import "trading-engine/internal/models"

// Store abstracts durable per-bot snapshot storage from the rest of
// the application, generalizing the teacher's single-key
// StateRepository to one record per bot id.
type Store interface {
	// SaveBotState atomically overwrites the snapshot for id.
	SaveBotState(id string, snap models.Snapshot) error

	// LoadBotState loads the snapshot for id. If no snapshot exists it
	// returns (nil, nil) rather than an error.
	LoadBotState(id string) (*models.Snapshot, error)

	// DeleteBotState removes the snapshot for id, if any.
	DeleteBotState(id string) error

	// ListBotIDs returns every bot id with a persisted snapshot, used
	// to repopulate the manager on startup.
	ListBotIDs() ([]string, error)

	// Close gracefully closes the underlying database.
	Close() error
}
