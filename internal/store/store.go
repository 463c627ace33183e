// Package store implements the gateway's persistence layer: nodes, groups,
// tags and subscriptions survive a restart in an embedded SQLite database,
// migrated with golang-migrate the same way minder's database package
// migrates its Postgres schema (database/migrations.go), adapted to a
// single-file embedded engine since the gateway runs as one process with
// no separate database tier to operate.
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/neurogate/gateway/internal/config"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/tag"
)

// Store wraps the gateway's embedded SQLite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NodeRecord is a persisted node's identity and opaque setting blob.
type NodeRecord struct {
	Name       string
	PluginName string
	NodeKind   plugin.NodeKind
	Setting    json.RawMessage
}

// GroupRecord is a persisted group's identity and interval.
type GroupRecord struct {
	Driver     string
	Name       string
	IntervalMS int64
}

// SubscriptionRecord is a persisted subscription row.
type SubscriptionRecord struct {
	App    string
	Driver string
	Group  string
	Params string
}

// Open runs pending migrations against cfg.Path and returns a ready Store.
func Open(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on")
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}

	m, err := newMigrator(cfg.Path)
	if err != nil {
		_ = db.Close()
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		_ = db.Close()
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}

	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveNode inserts or replaces a node's persisted row.
func (s *Store) SaveNode(ctx context.Context, n NodeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (name, plugin_name, node_kind, setting) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET plugin_name=excluded.plugin_name, node_kind=excluded.node_kind, setting=excluded.setting`,
		n.Name, n.PluginName, string(n.NodeKind), []byte(n.Setting))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// DeleteNode removes a node and, via ON DELETE CASCADE, its groups and tags.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE name = ?`, name)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// ListNodes returns every persisted node, for the manager to replay at
// startup.
func (s *Store) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, plugin_name, node_kind, setting FROM nodes`)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		var kind string
		var setting []byte
		if err := rows.Scan(&n.Name, &n.PluginName, &kind, &setting); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
		}
		n.NodeKind = plugin.NodeKind(kind)
		n.Setting = setting
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveGroup inserts or replaces a group's persisted row.
func (s *Store) SaveGroup(ctx context.Context, g GroupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (driver, name, interval_ms) VALUES (?, ?, ?)
		 ON CONFLICT(driver, name) DO UPDATE SET interval_ms=excluded.interval_ms`,
		g.Driver, g.Name, g.IntervalMS)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// DeleteGroup removes a group and, via ON DELETE CASCADE, its tags.
func (s *Store) DeleteGroup(ctx context.Context, driver, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE driver = ? AND name = ?`, driver, name)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// ListGroups returns every persisted group for driver.
func (s *Store) ListGroups(ctx context.Context, driver string) ([]GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT driver, name, interval_ms FROM groups WHERE driver = ?`, driver)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	defer rows.Close()

	var out []GroupRecord
	for rows.Next() {
		var g GroupRecord
		if err := rows.Scan(&g.Driver, &g.Name, &g.IntervalMS); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SaveTag inserts or replaces one tag's JSON-encoded definition.
func (s *Store) SaveTag(ctx context.Context, driver, group string, t tag.Tag) error {
	data, err := json.Marshal(t)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tags (driver, grp, name, definition) VALUES (?, ?, ?, ?)
		 ON CONFLICT(driver, grp, name) DO UPDATE SET definition=excluded.definition`,
		driver, group, t.Name, data)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// DeleteTag removes one tag.
func (s *Store) DeleteTag(ctx context.Context, driver, group, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE driver = ? AND grp = ? AND name = ?`, driver, group, name)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// ListTags returns every persisted tag for (driver, group), in insertion
// (rowid) order.
func (s *Store) ListTags(ctx context.Context, driver, group string) ([]tag.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM tags WHERE driver = ? AND grp = ? ORDER BY rowid`, driver, group)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	defer rows.Close()

	var out []tag.Tag
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
		}
		var t tag.Tag
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveSubscription inserts or replaces a subscription row.
func (s *Store) SaveSubscription(ctx context.Context, r SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (app, driver, grp, params) VALUES (?, ?, ?, ?)
		 ON CONFLICT(app, driver, grp) DO UPDATE SET params=excluded.params`,
		r.App, r.Driver, r.Group, r.Params)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// DeleteSubscription removes one subscription row.
func (s *Store) DeleteSubscription(ctx context.Context, app, driver, group string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE app = ? AND driver = ? AND grp = ?`, app, driver, group)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	return nil
}

// ListSubscriptions returns every persisted subscription, for the manager
// to replay send-subscribe at startup.
func (s *Store) ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app, driver, grp, params FROM subscriptions`)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		var r SubscriptionRecord
		if err := rows.Scan(&r.App, &r.Driver, &r.Group, &r.Params); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
