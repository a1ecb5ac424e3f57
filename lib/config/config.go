// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
)

// Default directory locations used when the config file omits them.
const (
	DefaultDatabaseDir  = "./meta/DedupDB/"
	DefaultContainerDir = "./meta/Container/"
)

// Node is one server address in the cluster list.
type Node struct {
	IP   string
	Port uint16
}

// nodeJSON mirrors the on-disk shape, where port may be a JSON string
// or a bare number.
type nodeJSON struct {
	IP   string          `json:"ip"`
	Port json.RawMessage `json:"port"`
}

// UnmarshalJSON accepts the port both as a quoted string ("6000") and
// as a number (6000).
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.IP = raw.IP

	text := string(raw.Port)
	if len(text) >= 2 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(raw.Port, &s); err != nil {
			return err
		}
		text = s
	}
	port, err := strconv.ParseUint(text, 10, 16)
	if err != nil {
		return fmt.Errorf("config: invalid port %q: %w", text, err)
	}
	n.Port = uint16(port)
	return nil
}

// Address renders the node as a dialable host:port string.
func (n Node) Address() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(int(n.Port)))
}

// Config is the server configuration.
type Config struct {
	// Cluster lists every server node. SelfIndex selects this node's
	// entry.
	Cluster []Node `json:"cluster"`

	// DatabaseDir holds the KV store.
	DatabaseDir string `json:"database dir"`

	// ContainerDir holds container files and recipe files.
	ContainerDir string `json:"container dir"`

	// Clean removes and recreates both directories on startup.
	Clean bool `json:"clean"`

	// SelfIndex is this node's zero-based position in Cluster. Set
	// from the command line, not the file.
	SelfIndex int `json:"-"`

	// Workers is the session worker pool size: the hardware
	// concurrency, unless overridden for tests.
	Workers int `json:"-"`
}

// Load reads the JSON config at path and validates it against index,
// the 1-based cluster position of this node.
func Load(path string, index int) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &Config{
		DatabaseDir:  DefaultDatabaseDir,
		ContainerDir: DefaultContainerDir,
		Clean:        true,
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(index); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no config file
// is given: a four-node cluster listening on ports 6000-6003.
func Default(index int) (*Config, error) {
	cfg := &Config{
		Cluster: []Node{
			{IP: "0.0.0.0", Port: 6000},
			{IP: "0.0.0.0", Port: 6001},
			{IP: "0.0.0.0", Port: 6002},
			{IP: "0.0.0.0", Port: 6003},
		},
		DatabaseDir:  DefaultDatabaseDir,
		ContainerDir: DefaultContainerDir,
		Clean:        true,
	}
	if err := cfg.validate(index); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(index int) error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("config: cluster list is empty")
	}
	if index <= 0 || index > len(c.Cluster) {
		return fmt.Errorf("config: node index %d out of range for a %d-node cluster", index, len(c.Cluster))
	}
	c.SelfIndex = index - 1
	if c.DatabaseDir == "" || c.ContainerDir == "" {
		return fmt.Errorf("config: database dir and container dir must be set")
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	return nil
}

// Self returns this node's cluster entry.
func (c *Config) Self() Node {
	return c.Cluster[c.SelfIndex]
}

// InitDirs prepares the database and container directories, removing
// them first when Clean is set. The database directory is handled
// before the container directory.
func (c *Config) InitDirs() error {
	for _, dir := range []string{c.DatabaseDir, c.ContainerDir} {
		if c.Clean {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("config: cleaning %s: %w", dir, err)
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
