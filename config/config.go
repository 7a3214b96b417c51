// Package config loads node configuration files.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"blobring/blob"
	"blobring/ring"
)

// Node is the serving side of a node's configuration.
type Node struct {
	Addr  string
	Group int
}

// Blob configures the storage backend.
type Blob struct {
	Data             string
	History          string
	DataBlockSize    int64
	HistoryBlockSize int64
	IndexShards      int
	Sync             bool
}

// Cache configures the read cache. A size of zero disables it.
type Cache struct {
	Size int
}

// Config is a fully parsed node configuration.
type Config struct {
	Node  Node
	Blob  Blob
	Cache Cache
	Route []ring.RouteEntry
}

type rawRouteEntry struct {
	Start string `mapstructure:"start"`
	Addr  string `mapstructure:"addr"`
	Group int    `mapstructure:"group"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	cfg := &Config{
		Node: Node{
			Addr:  v.GetString("node.addr"),
			Group: v.GetInt("node.group"),
		},
		Blob: Blob{
			Data:             v.GetString("blob.data"),
			History:          v.GetString("blob.history"),
			DataBlockSize:    v.GetInt64("blob.data_block_size"),
			HistoryBlockSize: v.GetInt64("blob.history_block_size"),
			IndexShards:      v.GetInt("blob.index_shards"),
			Sync:             v.GetBool("blob.sync"),
		},
		Cache: Cache{
			Size: v.GetInt("cache.size"),
		},
	}

	if cfg.Node.Addr == "" {
		return nil, errors.Errorf("config file %s missing node.addr", path)
	}
	if cfg.Blob.Data == "" || cfg.Blob.History == "" {
		return nil, errors.Errorf("config file %s missing blob.data or blob.history", path)
	}

	var raw []rawRouteEntry
	if err := v.UnmarshalKey("route", &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing route entries in %s", path)
	}
	for _, r := range raw {
		id, err := blob.IDFromHex(r.Start)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing route start %q", r.Start)
		}
		cfg.Route = append(cfg.Route, ring.RouteEntry{Start: id, Addr: r.Addr, Group: r.Group})
	}
	return cfg, nil
}

// BackendOptions maps the blob section onto backend options.
func (c *Config) BackendOptions() blob.Options {
	return blob.Options{
		DataPath:         c.Blob.Data,
		HistoryPath:      c.Blob.History,
		DataBlockSize:    c.Blob.DataBlockSize,
		HistoryBlockSize: c.Blob.HistoryBlockSize,
		IndexShards:      c.Blob.IndexShards,
		SyncWrites:       c.Blob.Sync,
	}
}
