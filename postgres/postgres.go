// Package postgres stores leads in PostgreSQL. It is the backend for
// deployments that run more than one API instance.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/nhatthm/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

//go:embed migrations
var migrations embed.FS

// ErrSchemaMissing is returned by StatusCheck when the database answers but
// the leads table has not been created yet.
var ErrSchemaMissing = errors.New("leads schema not migrated")

// maxBackoff caps the wait between two connection attempts.
const maxBackoff = 2 * time.Second

// Config is the required properties to use the database.
type Config struct {
	User            string
	Password        string
	Host            string
	Name            string
	ApplicationName string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	DisableTLS      bool
}

// URL renders cfg as a lib/pq connection URL. Sessions always run in UTC so
// created_at ordering does not depend on the server zone.
func (cfg Config) URL() string {
	sslMode := "require"
	if cfg.DisableTLS {
		sslMode = "disable"
	}

	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host,
		Path:     cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (cfg Config) validate() error {
	var missing []string
	if cfg.Host == "" {
		missing = append(missing, "host")
	}
	if cfg.Name == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("postgres config: missing %v", missing)
	}
	return nil
}

// Open returns a traced connection pool for cfg. It does not wait for the
// server; call StatusCheck or Migrate for that.
func Open(cfg Config) (*sql.DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	driverName, err := otelsql.Register("postgres",
		otelsql.AllowRoot(),
		otelsql.TraceQueryWithoutArgs(),
		otelsql.TraceRowsClose(),
		otelsql.TraceRowsAffected(),
		otelsql.WithDatabaseName(cfg.Name),
		otelsql.WithSystem(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.URL())
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := otelsql.RecordStats(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// waitReady pings db until it answers or ctx ends, backing off between
// attempts.
func waitReady(ctx context.Context, db *sql.DB) error {
	backoff := 100 * time.Millisecond
	for {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: last ping: %v", ctx.Err(), err)
		case <-t.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// StatusCheck reports whether the service can use db: the server answers and
// the leads table exists.
func StatusCheck(ctx context.Context, db *sql.DB) error {
	if err := waitReady(ctx, db); err != nil {
		return err
	}

	const q = `SELECT to_regclass('leads') IS NOT NULL`
	var ok bool
	if err := db.QueryRowContext(ctx, q).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrSchemaMissing
	}
	return nil
}

// Migrate waits for db and applies the embedded migrations that are not yet
// in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := waitReady(ctx, db); err != nil {
		return fmt.Errorf("waiting for db: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("invalid source instance: %w", err)
	}

	target, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("invalid target postgres instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", target)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, _ := m.Version()
		return fmt.Errorf("applying migrations (version %d, dirty %v): %w", version, dirty, err)
	}
	return nil
}
