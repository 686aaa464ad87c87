// Command relay runs the signed-event pub/sub relay and its Blossom blob
// store as a single HTTP process.
package main

import (
	"context"
	"log"
	"net/http"

	"signet/signet"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	configPath := signet.Env("CONFIG")
	configStore, err := signet.NewConfigStore(configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", configPath, err)
	}
	defer configStore.Close()

	cfg := configStore.Get()
	schema := signet.NewSchema(cfg.Schema)
	store := signet.NewStore(schema)

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("failed to initialize storage schema: %v", err)
	}

	registry := signet.NewRegistry()
	dispatcher := signet.NewDispatcher(registry, store, configStore, schema)
	writer := signet.NewWritePath(store)

	srv := &signet.Server{
		Store:      store,
		WritePath:  writer,
		Registry:   registry,
		Dispatcher: dispatcher,
		Config:     configStore,
		Schema:     schema,
	}

	var blossom *signet.BlossomStore
	if cfg.Blossom.Enabled {
		dir := cfg.Blossom.Dir
		if dir == "" {
			dir = signet.Env("BLOSSOM_DIR")
		}
		blossom, err = signet.NewBlossomStore(dir)
		if err != nil {
			log.Fatalf("failed to initialize blossom store: %v", err)
		}
	}
	handler := signet.NewHTTPHandler(srv, blossom)

	port := signet.Env("PORT")
	addr := ":" + port
	log.Printf("signet relay %q listening on %s", cfg.Info.Name, addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}
