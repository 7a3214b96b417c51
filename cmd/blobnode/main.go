// Command blobnode runs one storage node: an append-log blob
// backend behind an LRU read cache, served to the ring over HTTP.
package main

import (
	"flag"
	"log"
	"net/http"

	"blobring/blob"
	"blobring/cache"
	"blobring/config"
	"blobring/node"
)

func main() {
	configPath := flag.String("config", "blobnode.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Loading config file %s: %s", *configPath, err)
	}

	b, err := blob.Open(cfg.BackendOptions())
	if err != nil {
		log.Fatalf("Opening backend: %s", err)
	}
	defer b.Close()

	c, err := cache.New(b, cfg.Cache.Size)
	if err != nil {
		log.Fatalf("Creating cache: %s", err)
	}

	srv := node.New(c, cfg.Route)
	log.Printf("blobnode: group %d listening on %s", cfg.Node.Group, cfg.Node.Addr)
	if err := http.ListenAndServe(cfg.Node.Addr, srv.Mux()); err != nil {
		log.Fatalf("Serving: %s", err)
	}
}
