package db

import (
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"

	migrationsfs "github.com/voyzcrm/messaging/db"
	"github.com/voyzcrm/messaging/internal/config"
)

func TestMigrateUnknownCommand(t *testing.T) {
	cfg := config.PostgresConfig{Host: "localhost", Port: 5432, User: "postgres", Database: "crm"}
	err := Migrate(nil, cfg, nil, "sideways", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown migrate command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestMigrateForceRequiresVersion(t *testing.T) {
	cfg := config.PostgresConfig{Host: "localhost", Port: 5432, User: "postgres", Database: "crm"}
	err := Migrate(nil, cfg, nil, MigrateForce, nil)
	if err == nil || !strings.Contains(err.Error(), "version number") {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestMigrationSourceResolvesEmbeddedFiles(t *testing.T) {
	source, err := iofs.New(migrationsfs.Migrations, migrationsDir)
	if err != nil {
		t.Fatalf("open migration source: %v", err)
	}
	version, err := source.First()
	if err != nil {
		t.Fatalf("embedded FS must expose the versioned .sql files: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first migration version 1, got %d", version)
	}
}
