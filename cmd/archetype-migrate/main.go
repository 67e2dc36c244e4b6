package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/riannom/archetype/pkg/store"
)

var (
	dbURL  = flag.String("db-url", "", "postgres connection string (defaults to ARCHETYPE_DB_URL)")
	dryRun = flag.Bool("dry-run", false, "print the statements without executing them")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Archetype Schema Migration Tool")
	log.Println("===============================")

	url := *dbURL
	if url == "" {
		url = os.Getenv("ARCHETYPE_DB_URL")
	}
	if url == "" {
		log.Fatal("no database URL: pass --db-url or set ARCHETYPE_DB_URL")
	}

	if *dryRun {
		for i, stmt := range store.Schema {
			fmt.Printf("-- statement %d\n%s\n\n", i+1, stmt)
		}
		log.Println("Dry run completed. No changes made.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(ctx)

	// Every statement is idempotent (CREATE ... IF NOT EXISTS), so the
	// whole set runs in one transaction and reruns are safe.
	tx, err := conn.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range store.Schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			log.Fatalf("Statement %d failed: %v", i+1, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("Commit failed: %v", err)
	}

	log.Printf("✓ Applied %d statements successfully", len(store.Schema))
}
