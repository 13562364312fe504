package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/achscore/internal/domain"
	_ "modernc.org/sqlite"
)

const pingTimeout = 5 * time.Second

// dialect describes how to reach one database/sql driver.
type dialect struct {
	// driverName is the name registered with database/sql.
	driverName string
	// dsn builds the data source name, preparing the filesystem if needed.
	dsn func(cfg domain.RepositoryConfig) (string, error)
	// numbered reports whether placeholders are $1, $2 instead of ?.
	numbered bool
	// maxOpen caps the pool when the database cannot be shared across
	// connections. Zero leaves the configured pool size.
	maxOpen func(cfg domain.RepositoryConfig) int
}

var dialects = map[string]dialect{
	"sqlite": {
		driverName: "sqlite",
		dsn:        sqliteDSN,
		maxOpen: func(cfg domain.RepositoryConfig) int {
			// Every connection to :memory: opens a separate empty database.
			if cfg.SQLitePath == ":memory:" {
				return 1
			}
			return 0
		},
	},
	"postgres": {
		driverName: "postgres",
		dsn:        postgresDSN,
		numbered:   true,
	},
}

// open connects to the configured database and applies pool settings.
func open(cfg domain.RepositoryConfig) (*sql.DB, dialect, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, dialect{}, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, d, err
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, d, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if d.maxOpen != nil {
		if n := d.maxOpen(cfg); n > 0 {
			db.SetMaxOpenConns(n)
		}
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, d, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	return db, d, nil
}

// sqliteDSN uses the pure Go modernc driver with WAL and a busy timeout so
// the API and worker can write runs concurrently.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./achscore.db"
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode(), nil
}

// postgresDSN builds a lib/pq URL. Credentials are escaped, so passwords may
// contain spaces or quotes.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "achscore"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
		RawQuery: url.Values{
			"sslmode":          {sslmode},
			"application_name": {"achscore"},
		}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String(), nil
}
