// Command import bulk-loads signed events from a newline-delimited JSON
// file into a relay's schema, writing each one through the normal write
// path and reporting an insert/duplicate/failure count when done.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"signet/signet"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	path := flag.String("file", "", "path to a newline-delimited JSON event export")
	configPath := flag.String("config", signet.Env("CONFIG"), "path to the relay's TOML config")
	workers := flag.Int("workers", 8, "number of concurrent writers")
	flag.Parse()

	if *path == "" {
		log.Fatal("-file is required")
	}

	cfg, err := signet.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	schema := signet.NewSchema(cfg.Schema)
	store := signet.NewStore(schema)

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("failed to initialize schema: %v", err)
	}

	writer := signet.NewWritePath(store)

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *path, err)
	}
	defer f.Close()

	var total, inserted, duplicates, failed atomic.Int64

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(*workers)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		lineNo++
		thisLine := lineNo
		if len(line) == 0 {
			continue
		}
		total.Add(1)

		grp.Go(func() error {
			var e signet.Event
			if err := e.UnmarshalJSON(line); err != nil {
				log.Printf("line %d: skipping malformed event: %v", thisLine, err)
				failed.Add(1)
				return nil
			}

			if err := writer.Accept(grpCtx, e); err != nil {
				if errors.Is(err, signet.ErrDuplicate) {
					duplicates.Add(1)
					return nil
				}
				log.Printf("line %d: failed to store event %s: %v", thisLine, e.ID.Hex(), err)
				failed.Add(1)
				return nil
			}
			inserted.Add(1)
			return nil
		})
	}

	if err := scanner.Err(); err != nil {
		log.Fatalf("reading %s: %v", *path, err)
	}

	if err := grp.Wait(); err != nil {
		log.Fatalf("import aborted: %v", err)
	}

	fmt.Printf("import complete: %d lines, %d inserted, %d duplicates, %d failed\n",
		total.Load(), inserted.Load(), duplicates.Load(), failed.Load())
}
