package sql

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/darkauth/darkauth/storage"
)

// SSL holds Postgres SSL connection options, grounded on dex's storage/sql
// Postgres.SSL struct.
type SSL struct {
	Mode     string
	CAFile   string
	CertFile string
	KeyFile  string
}

// Config describes a Postgres connection, grounded on dex's
// storage/sql.Postgres/NetworkDB.
type Config struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	ConnectionTimeout int // seconds

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds

	SSL SSL
}

var strEsc = regexp.MustCompile(`([\\'])`)

func dataSourceStr(s string) string {
	return "'" + strEsc.ReplaceAllString(s, `\$1`) + "'"
}

func (c *Config) dataSourceName() string {
	var params []string
	add := func(k, v string) { params = append(params, fmt.Sprintf("%s=%s", k, v)) }

	add("connect_timeout", strconv.Itoa(c.ConnectionTimeout))

	host, port, err := net.SplitHostPort(c.Host)
	if err != nil {
		host = c.Host
		if c.Port != 0 {
			port = strconv.Itoa(int(c.Port))
		}
	}
	if host != "" {
		add("host", dataSourceStr(host))
	}
	if port != "" {
		add("port", port)
	}
	if c.User != "" {
		add("user", dataSourceStr(c.User))
	}
	if c.Password != "" {
		add("password", dataSourceStr(c.Password))
	}
	if c.Database != "" {
		add("dbname", dataSourceStr(c.Database))
	}
	if c.SSL.Mode == "" {
		add("sslmode", dataSourceStr("verify-full"))
	} else {
		add("sslmode", dataSourceStr(c.SSL.Mode))
	}
	if c.SSL.CAFile != "" {
		add("sslrootcert", dataSourceStr(c.SSL.CAFile))
	}
	if c.SSL.CertFile != "" {
		add("sslcert", dataSourceStr(c.SSL.CertFile))
	}
	if c.SSL.KeyFile != "" {
		add("sslkey", dataSourceStr(c.SSL.KeyFile))
	}
	return strings.Join(params, " ")
}

// Open connects to Postgres, instruments the pool with otelsql, and runs
// pending migrations.
func Open(cfg Config, logger *slog.Logger) (storage.Storage, error) {
	dsn := cfg.dataSourceName()
	dbAttrs := otelsql.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", cfg.Database),
	)
	db, err := otelsql.Open("postgres", dsn, dbAttrs)
	if err != nil {
		return nil, fmt.Errorf("sql: open: %w", err)
	}
	if err := otelsql.RegisterDBStatsMetrics(db, dbAttrs); err != nil {
		return nil, fmt.Errorf("sql: register db stats metrics: %w", err)
	}

	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
	db.SetMaxIdleConns(value(cfg.MaxIdleConns, 5))
	db.SetMaxOpenConns(value(cfg.MaxOpenConns, 5))

	c := &conn{db: db, logger: logger}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("sql: migrate: %w", err)
	}
	return c, nil
}

func value(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
