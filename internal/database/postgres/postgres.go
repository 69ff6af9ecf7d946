package postgres

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"ingestion-service/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var dbStatus atomic.Bool

// Healthy reports whether the last connection attempt succeeded.
func Healthy() bool {
	return dbStatus.Load()
}

func connString(cfg config.PostgresConfig, dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, dbname)
}

// ConnectAndCreateDB connects to the service database, creating it and
// applying the schema on first start.
func ConnectAndCreateDB(cfg config.PostgresConfig) (*sqlx.DB, error) {
	log.Printf("Connecting to PostgreSQL with: host=%s, port=%s, user=%s, dbname=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.DBname)

	defaultDB, err := sql.Open("postgres", connString(cfg, "postgres"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to default postgres db: %w", err)
	}
	defer defaultDB.Close()

	var exists bool
	err = defaultDB.QueryRow(`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, cfg.DBname).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		if _, err := defaultDB.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, cfg.DBname)); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.DBname, err)
		}
		log.Printf("Database '%s' created", cfg.DBname)
	}

	db, err := sqlx.Connect("postgres", connString(cfg, cfg.DBname))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target database: %w", err)
	}

	// Statements are idempotent, so the schema is applied on every start.
	if err := ExecuteSchema(db); err != nil {
		log.Printf("Warning: failed to apply schema: %v", err)
	}

	dbStatus.Store(true)
	return db, nil
}

// ExecuteSchema runs each statement of the embedded schema, logging and
// skipping statements that fail.
func ExecuteSchema(db *sqlx.DB) error {
	applied := 0
	for i, statement := range splitStatements(schemaSQL) {
		if _, err := db.Exec(statement); err != nil {
			log.Printf("Warning: failed to execute schema statement %d: %v", i+1, err)
			log.Printf("Statement: %s", statement[:min(100, len(statement))])
			continue
		}
		applied++
	}
	if applied == 0 {
		return fmt.Errorf("no schema statement could be applied")
	}
	log.Printf("Schema applied, %d statements executed", applied)
	return nil
}

// splitStatements splits on semicolons and drops blank or comment-only
// fragments. The schema has no semicolons inside literals or bodies.
func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) > 0 {
			out = append(out, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return out
}

// RetryConnectOnFailed keeps reconnecting every wait until the database is
// reachable again.
func RetryConnectOnFailed(wait time.Duration, db **sqlx.DB, cfg config.PostgresConfig) {
	for {
		if *db != nil {
			if err := (*db).Ping(); err == nil {
				log.Printf("database connection is healthy, no retry needed")
				dbStatus.Store(true)
				return
			} else {
				log.Printf("failed to ping database: %s, retrying connection", err)
			}
		}

		newDB, err := ConnectAndCreateDB(cfg)
		if err == nil {
			*db = newDB
			log.Printf("database reconnected")
			return
		}
		dbStatus.Store(false)
		log.Printf("failed to reconnect database: %s, next retry in %v", err, wait)
		time.Sleep(wait)
	}
}
