package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"gatekit/core"
)

// Driver selects the SQL dialect for upsert statements.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Config holds SQL storage configuration.
type Config struct {
	Driver          Driver        `json:"driver" env:"GATEKIT_STORAGE_SQL_DRIVER"`
	DSN             string        `json:"dsn" env:"GATEKIT_STORAGE_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"GATEKIT_STORAGE_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"GATEKIT_STORAGE_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"GATEKIT_STORAGE_SQL_CONN_MAX_LIFETIME"`
}

// DefaultConfig returns sensible defaults for the given driver.
func DefaultConfig(driver Driver) Config {
	return Config{
		Driver:          driver,
		DSN:             "",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store implements engine.Storage over a relational schema:
//
//	user_core  (user_id PK, xp, level, login_count, streak, last_login_at,
//	            anomaly_score, observer_load, updated_at)
//	user_flags (user_id, flag_key PK pair, flag_value, set_at)
//	user_vars  (user_id, var_key PK pair, var_value)
//	user_fired (user_id, event_id PK pair, fired_at)
//
// Increments are single UPDATE statements so concurrent grants serialize at
// the row; flag and fired writes use the dialect's native upsert so racing
// duplicates resolve as no-ops.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens a connection pool and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sql storage requires a DSN")
	}
	db, err := sqlx.Connect(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return NewWithDB(db, cfg.Driver), nil
}

// NewWithDB wraps an existing DB handle (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// ensureCore inserts the base row if the user has never been seen.
func (s *Store) ensureCore(ctx context.Context, q sqlx.ExtContext, user core.UserID, now time.Time) error {
	var stmt string
	switch s.driver {
	case DriverMySQL:
		stmt = `INSERT IGNORE INTO user_core (user_id, updated_at) VALUES (?, ?)`
	default:
		stmt = `INSERT INTO user_core (user_id, updated_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`
	}
	_, err := q.ExecContext(ctx, s.db.Rebind(stmt), user, now)
	return err
}

func (s *Store) IncrementXP(ctx context.Context, user core.UserID, delta int64) (int64, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.ensureCore(ctx, tx, user, now); err != nil {
		return 0, fmt.Errorf("ensure core row: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.db.Rebind(`UPDATE user_core SET xp = GREATEST(xp + ?, 0), updated_at = ? WHERE user_id = ?`),
		delta, now, user)
	if err != nil {
		return 0, fmt.Errorf("increment xp: %w", err)
	}
	var total int64
	if err := tx.GetContext(ctx, &total, s.db.Rebind(`SELECT xp FROM user_core WHERE user_id = ?`), user); err != nil {
		return 0, fmt.Errorf("read xp total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SetLevelIfHigher(ctx context.Context, user core.UserID, level int) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.ensureCore(ctx, tx, user, now); err != nil {
		return fmt.Errorf("ensure core row: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.db.Rebind(`UPDATE user_core SET level = ?, updated_at = ? WHERE user_id = ? AND level < ?`),
		level, now, user, level)
	if err != nil {
		return fmt.Errorf("set level: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpsertFlag(ctx context.Context, user core.UserID, key, value string) error {
	now := time.Now().UTC()
	var stmt string
	switch s.driver {
	case DriverMySQL:
		stmt = `INSERT INTO user_flags (user_id, flag_key, flag_value, set_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE flag_value = VALUES(flag_value), set_at = VALUES(set_at)`
	default:
		stmt = `INSERT INTO user_flags (user_id, flag_key, flag_value, set_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, flag_key) DO UPDATE SET flag_value = EXCLUDED.flag_value, set_at = EXCLUDED.set_at`
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(stmt), user, key, value, now); err != nil {
		return fmt.Errorf("upsert flag: %w", err)
	}
	return nil
}

func (s *Store) IncrementVariable(ctx context.Context, user core.UserID, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var stmt string
	switch s.driver {
	case DriverMySQL:
		stmt = `INSERT INTO user_vars (user_id, var_key, var_value) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE var_value = var_value + VALUES(var_value)`
	default:
		stmt = `INSERT INTO user_vars (user_id, var_key, var_value) VALUES (?, ?, ?)
			ON CONFLICT (user_id, var_key) DO UPDATE SET var_value = user_vars.var_value + EXCLUDED.var_value`
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt), user, key, delta); err != nil {
		return 0, fmt.Errorf("increment variable: %w", err)
	}
	var value int64
	if err := tx.GetContext(ctx, &value,
		s.db.Rebind(`SELECT var_value FROM user_vars WHERE user_id = ? AND var_key = ?`), user, key); err != nil {
		return 0, fmt.Errorf("read variable: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) MarkFired(ctx context.Context, user core.UserID, eventID string) (bool, error) {
	now := time.Now().UTC()
	var stmt string
	switch s.driver {
	case DriverMySQL:
		stmt = `INSERT IGNORE INTO user_fired (user_id, event_id, fired_at) VALUES (?, ?, ?)`
	default:
		stmt = `INSERT INTO user_fired (user_id, event_id, fired_at) VALUES (?, ?, ?) ON CONFLICT (user_id, event_id) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(stmt), user, eventID, now)
	if err != nil {
		return false, fmt.Errorf("mark fired: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 1, nil
}

func (s *Store) UpdateLoginRecord(ctx context.Context, user core.UserID, loginCount, streak int, lastLogin time.Time) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.ensureCore(ctx, tx, user, now); err != nil {
		return fmt.Errorf("ensure core row: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.db.Rebind(`UPDATE user_core SET login_count = ?, streak = ?, last_login_at = ?, updated_at = ? WHERE user_id = ?`),
		loginCount, streak, lastLogin.UTC(), now, user)
	if err != nil {
		return fmt.Errorf("update login record: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AdjustMeters(ctx context.Context, user core.UserID, anomalyDelta, observerDelta int) (int, int, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.ensureCore(ctx, tx, user, now); err != nil {
		return 0, 0, fmt.Errorf("ensure core row: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE user_core SET
			anomaly_score = GREATEST(anomaly_score + ?, 0),
			observer_load = LEAST(GREATEST(observer_load + ?, 0), 100),
			updated_at = ?
		WHERE user_id = ?`),
		anomalyDelta, observerDelta, now, user)
	if err != nil {
		return 0, 0, fmt.Errorf("adjust meters: %w", err)
	}
	var row struct {
		Anomaly  int `db:"anomaly_score"`
		Observer int `db:"observer_load"`
	}
	if err := tx.GetContext(ctx, &row,
		s.db.Rebind(`SELECT anomaly_score, observer_load FROM user_core WHERE user_id = ?`), user); err != nil {
		return 0, 0, fmt.Errorf("read meters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return row.Anomaly, row.Observer, nil
}

func (s *Store) GetState(ctx context.Context, user core.UserID) (core.UserState, error) {
	state := core.UserState{
		UserID:    user,
		Flags:     make(map[string]core.Flag),
		Variables: make(map[string]int64),
		Fired:     make(map[string]struct{}),
		Updated:   time.Now().UTC(),
	}

	var row struct {
		XP           int64        `db:"xp"`
		Level        int          `db:"level"`
		LoginCount   int          `db:"login_count"`
		Streak       int          `db:"streak"`
		LastLoginAt  sql.NullTime `db:"last_login_at"`
		AnomalyScore int          `db:"anomaly_score"`
		ObserverLoad int          `db:"observer_load"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT xp, level, login_count, streak, last_login_at, anomaly_score, observer_load
		 FROM user_core WHERE user_id = ?`), user)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// unseen user: zero-valued state
		return state, nil
	case err != nil:
		return core.UserState{}, fmt.Errorf("load core record: %w", err)
	}
	state.XP = row.XP
	state.Level = row.Level
	state.LoginCount = row.LoginCount
	state.Streak = row.Streak
	state.AnomalyScore = row.AnomalyScore
	state.ObserverLoad = row.ObserverLoad
	if row.LastLoginAt.Valid {
		t := row.LastLoginAt.Time.UTC()
		state.LastLoginAt = &t
	}

	type flagRow struct {
		Key   string    `db:"flag_key"`
		Value string    `db:"flag_value"`
		SetAt time.Time `db:"set_at"`
	}
	var flags []flagRow
	if err := s.db.SelectContext(ctx, &flags,
		s.db.Rebind(`SELECT flag_key, flag_value, set_at FROM user_flags WHERE user_id = ?`), user); err != nil {
		return core.UserState{}, fmt.Errorf("load flags: %w", err)
	}
	for _, f := range flags {
		state.Flags[f.Key] = core.Flag{Value: f.Value, SetAt: f.SetAt.UTC()}
	}

	type varRow struct {
		Key   string `db:"var_key"`
		Value int64  `db:"var_value"`
	}
	var vars []varRow
	if err := s.db.SelectContext(ctx, &vars,
		s.db.Rebind(`SELECT var_key, var_value FROM user_vars WHERE user_id = ?`), user); err != nil {
		return core.UserState{}, fmt.Errorf("load variables: %w", err)
	}
	for _, v := range vars {
		state.Variables[v.Key] = v.Value
	}

	var fired []string
	if err := s.db.SelectContext(ctx, &fired,
		s.db.Rebind(`SELECT event_id FROM user_fired WHERE user_id = ?`), user); err != nil {
		return core.UserState{}, fmt.Errorf("load fired events: %w", err)
	}
	for _, id := range fired {
		state.Fired[id] = struct{}{}
	}

	return state, nil
}
