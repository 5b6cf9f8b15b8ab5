// mailsync connects tenant Gmail mailboxes and keeps a local message
// cache in sync through the provider's history feed.
//
// Usage:
//
//	mailsync serve     Start the HTTP server
//	mailsync hash-key  Print the bcrypt hash of an API key
//	mailsync version   Print version information
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/glowdesk/mailsync/internal/config"
	"github.com/glowdesk/mailsync/internal/gmail"
	"github.com/glowdesk/mailsync/internal/storage"
	"github.com/glowdesk/mailsync/internal/store"
	"github.com/glowdesk/mailsync/internal/sync"
	"github.com/glowdesk/mailsync/internal/web"
)

var version = "1.0.0-dev"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "hash-key":
		runHashKey()
	case "version":
		fmt.Printf("mailsync %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: mailsync <command>

Commands:
  serve       Start the HTTP server
  hash-key    Print the bcrypt hash of an API key (reads the key as argument)
  version     Print version information

Environment:
  CONFIG_FILE           Path to YAML config file (default: ./mailsync.yml)
  LISTEN_ADDR           HTTP listen address (default: :8091)
  BASE_URL              Public base URL for OAuth callbacks (default: http://localhost:8091)
  DATA_DIR              Message cache directory (default: ./data)
  DB_PATH               SQLite database path (default: ./data/mailsync.db)
  API_KEY_HASH          bcrypt hash of the API key; empty disables auth

  GOOGLE_CLIENT_ID      Google OAuth app client ID
  GOOGLE_CLIENT_SECRET  Google OAuth app client secret

  S3_ENDPOINT           S3/MinIO endpoint; unset stores the cache on disk
  S3_ACCESS_KEY_ID      S3 access key
  S3_SECRET_ACCESS_KEY  S3 secret key
  S3_BUCKET             S3 bucket (default: mailsync)`)
}

func runServe() {
	cfg, err := config.Load(envOr("CONFIG_FILE", "./mailsync.yml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	blobs, err := storage.NewBlobStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init blob store: %v", err)
	}
	cache := storage.NewCacheApplier(blobs)

	tokens := gmail.NewTokenManager(db, cfg.GoogleClientID, cfg.GoogleClientSecret)
	client := gmail.NewClient(tokens)
	connector := gmail.NewConnector(db, cfg.GoogleClientID, cfg.GoogleClientSecret,
		cfg.BaseURL+"/auth/google/callback")
	engine := sync.NewEngine(db, client, tokens, cache)

	router := web.NewRouter(web.Config{
		Accounts:   db,
		Connector:  connector,
		Gmail:      client,
		Engine:     engine,
		Cache:      cache,
		APIKeyHash: cfg.APIKeyHash,
	})

	log.Printf("Starting mailsync %s on %s", version, cfg.ListenAddr)
	log.Printf("Database: %s", cfg.DBPath)
	log.Printf("Cache directory: %s", cfg.DataDir)

	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func runHashKey() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: mailsync hash-key <key>")
		os.Exit(1)
	}
	hash, err := web.HashAPIKey(os.Args[2])
	if err != nil {
		log.Fatalf("Failed to hash key: %v", err)
	}
	fmt.Println(hash)
}
