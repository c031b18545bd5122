package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"loom/internal/config"
	"loom/internal/repository/postgres"
	postgresFlow "loom/internal/repository/postgres/flow"
	"loom/internal/seed"
	"loom/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Parse command-line flags
	dropTables := flag.Bool("drop-tables", false, "Drop all tables before seeding (fresh start)")
	schemaOnly := flag.Bool("schema-only", false, "Only set up schema, don't seed the demo canvas")
	clearData := flag.Bool("clear-data", false, "Clear the demo chat's graph (keep schema)")
	chatID := flag.String("chat", "11111111-1111-1111-1111-111111111111", "Chat ID to seed the demo canvas into")
	userID := flag.String("user", "demo-user", "User ID stamped on seeded nodes and edges")
	flag.Parse()

	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// SAFETY: Prevent destructive operations in production
	if cfg.Environment == "prod" && (*dropTables || *clearData) {
		log.Fatalf("🚫 BLOCKED: Cannot run destructive operations (--drop-tables or --clear-data) in production environment")
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *clearData {
		log.Printf("🧹 Clearing data only (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	} else if *schemaOnly {
		log.Printf("🏗️  Setting up schema only (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	} else {
		log.Printf("🌱 Seeding database (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	}

	// Create database connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

	// Drop tables if requested
	if *dropTables {
		log.Println("🗑️  Dropping all tables...")
		if err := dropAllTables(ctx, pool, tables); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		log.Println("✅ Tables dropped")
	}

	// Run schema to ensure tables exist
	log.Println("📋 Ensuring database schema is up to date...")
	if err := runSchema(ctx, pool, tables, cfg.TablePrefix); err != nil {
		log.Fatalf("Failed to run schema: %v", err)
	}
	log.Println("✅ Schema ready")

	// Exit early if schema-only mode
	if *schemaOnly {
		log.Println("✅ Schema setup complete (schema-only mode)")
		return
	}

	// Exit early if clear-data mode (just clear and exit)
	if *clearData {
		log.Println("🧹 Clearing demo canvas...")
		if err := clearChatData(ctx, pool, tables, *chatID); err != nil {
			log.Fatalf("Failed to clear data: %v", err)
		}
		log.Println("✅ Data cleared successfully")
		return
	}

	// Create repositories and services
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	flowRepo := postgresFlow.NewFlowRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool, logger)
	flowService := service.NewFlowService(flowRepo, txManager, logger)

	// Seed the demo canvas
	log.Printf("📝 Seeding demo canvas into chat %s...", *chatID)
	seeder := seed.NewFlowSeeder(flowService, logger)
	if err := seeder.SeedDemoCanvas(ctx, *chatID, *userID); err != nil {
		log.Fatalf("❌ Failed to seed demo canvas: %v", err)
	}

	log.Println("🎉 Seeding complete!")
}

// runSchema creates tables if they don't exist
func runSchema(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames, tablePrefix string) error {
	// Create flow nodes table
	createNodes := `
		CREATE TABLE IF NOT EXISTS ` + tables.FlowNodes + ` (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			type TEXT NOT NULL,
			position_x DOUBLE PRECISION NOT NULL DEFAULT 0,
			position_y DOUBLE PRECISION NOT NULL DEFAULT 0,
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			rev BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createNodes); err != nil {
		return err
	}

	// Create flow edges table
	createEdges := `
		CREATE TABLE IF NOT EXISTS ` + tables.FlowEdges + ` (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			source TEXT NOT NULL REFERENCES ` + tables.FlowNodes + `(id) ON DELETE CASCADE,
			target TEXT NOT NULL REFERENCES ` + tables.FlowNodes + `(id) ON DELETE CASCADE,
			type TEXT NOT NULL DEFAULT '',
			animated BOOLEAN NOT NULL DEFAULT FALSE,
			style JSONB NOT NULL DEFAULT '{}'::jsonb,
			creator_id TEXT NOT NULL DEFAULT '',
			creator_color TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createEdges); err != nil {
		return err
	}

	// Create indexes
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `flow_nodes_chat_id ON ` + tables.FlowNodes + `(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `flow_edges_chat_id ON ` + tables.FlowEdges + `(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `flow_edges_source ON ` + tables.FlowEdges + `(source)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `flow_edges_target ON ` + tables.FlowEdges + `(target)`,
	}

	for _, indexSQL := range indexes {
		if _, err := pool.Exec(ctx, indexSQL); err != nil {
			return err
		}
	}

	return nil
}

// dropAllTables drops all tables in reverse order (to respect foreign keys)
func dropAllTables(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	tableNames := []string{
		tables.FlowEdges,
		tables.FlowNodes,
	}

	for _, table := range tableNames {
		dropSQL := "DROP TABLE IF EXISTS " + table + " CASCADE"
		if _, err := pool.Exec(ctx, dropSQL); err != nil {
			return err
		}
		log.Printf("  ✓ Dropped %s", table)
	}

	return nil
}

// clearChatData clears the persisted graph for one chat
func clearChatData(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames, chatID string) error {
	// Delete edges first to respect foreign keys
	_, err := pool.Exec(ctx, "DELETE FROM "+tables.FlowEdges+" WHERE chat_id = $1", chatID)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, "DELETE FROM "+tables.FlowNodes+" WHERE chat_id = $1", chatID)
	if err != nil {
		return err
	}

	return nil
}
