package sql

import (
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/darkauth/darkauth/storage/storagetest"
)

// testPostgresEnv, grounded on dex's storage/sql/postgres_test.go: set this
// to a reachable Postgres host to run the conformance suite against a real
// database. Unset by default so `go test ./...` never requires a database.
const testPostgresEnv = "DARKAUTH_TEST_POSTGRES_HOST"

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestStorageSuite(t *testing.T) {
	host := os.Getenv(testPostgresEnv)
	if host == "" {
		t.Skipf("test environment variable %q not set, skipping", testPostgresEnv)
	}

	port := uint64(5432)
	if rawPort := os.Getenv("DARKAUTH_TEST_POSTGRES_PORT"); rawPort != "" {
		var err error
		port, err = strconv.ParseUint(rawPort, 10, 32)
		if err != nil {
			t.Fatalf("invalid postgres port %q: %s", rawPort, err)
		}
	}

	cfg := Config{
		Database: getenv("DARKAUTH_TEST_POSTGRES_DATABASE", "darkauth_test"),
		User:     getenv("DARKAUTH_TEST_POSTGRES_USER", "postgres"),
		Password: getenv("DARKAUTH_TEST_POSTGRES_PASSWORD", "postgres"),
		Host:     host,
		Port:     uint16(port),
		SSL:      SSL{Mode: "disable"},
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("error opening storage: %s", err.Error())
	}
	defer store.Close()

	storagetest.RunTestSuite(t, store)
}
