package main

import (
	"chat-relay/infrastructure/storage"
	"chat-relay/internal"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// badger_inspect prints the staging keys of a relay database left on disk.
func main() {
	dbPath := flag.String("db", "./data/staging", "Path to the staging badger DB")
	prefix := flag.String("prefix", storage.StagePrefix, "Prefix to scan")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	entries, err := storage.ListStaged(db, *prefix)
	if err != nil {
		log.Fatal(err)
	}
	internal.WriteStagedTable(os.Stdout, entries)
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil {
		// A relay killed mid write leaves a value log needing truncation
		if strings.Contains(err.Error(), "Log truncate required") {
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}
			_ = db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
