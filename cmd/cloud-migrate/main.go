// Command cloud-migrate applies the cloud control plane's Postgres
// schema migrations. It replaces the teacher's hand-rolled bbolt
// bucket-rename tool (tasks→containers) with golang-migrate driving
// versioned SQL files, since the cloud's durable store is Postgres,
// not bbolt.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	databaseURL := flag.String("database-url", "", "Postgres connection string (required)")
	migrationsDir := flag.String("migrations-dir", "db/migrations", "Directory of versioned SQL migration files")
	down := flag.Bool("down", false, "Roll back one migration instead of applying pending ones")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("cloud-migrate: --database-url is required")
	}

	log.Printf("cloud-migrate: applying migrations from %s", *migrationsDir)

	if err := runMigration(*databaseURL, *migrationsDir, *down); err != nil {
		log.Fatalf("cloud-migrate: %v", err)
	}

	log.Println("cloud-migrate: done")
}

func runMigration(databaseURL, migrationsDir string, down bool) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if down {
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("rolling back one migration: %w", err)
		}
		return nil
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
