package config

// Default locations for persisted state
const (
	// DefaultDatabasePath is the SQLite file used by the sqlite store
	DefaultDatabasePath = "./library.db"

	// DefaultDataDir holds the record files of the text store
	DefaultDataDir = "./data"
)
