package config

// StoreConfig configures the embedded persistence layer backing nodes,
// groups, tags and subscriptions (golang-migrate + mattn/go-sqlite3).
type StoreConfig struct {
	// Path is the SQLite database file. Migrations run over their own
	// connection to Path, so an in-memory database (":memory:") does not
	// receive the schema.
	Path string `mapstructure:"path" default:"gateway.db" validate:"required"`
	// MigrationsPath is not read: store.Open always applies the migrations
	// embedded in internal/store, whatever this field holds.
	MigrationsPath string `mapstructure:"migrations_path" default:""`
}
