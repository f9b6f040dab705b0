// Package config loads the deployment topology: the sites, their listen
// addresses and storage, the bus and the timing knobs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CatalogText   = "text"
	CatalogSQLite = "sqlite"

	OpLogFile     = "file"
	OpLogPostgres = "postgres"
)

type Config struct {
	Sites        []Site  `yaml:"sites"`
	Timing       Timing  `yaml:"timing"`
	Actor        Actor   `yaml:"actor"`
	Gateway      Gateway `yaml:"gateway"`
	NATSURL      string  `yaml:"nats_url"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
}

type Site struct {
	Name string `yaml:"name"`
	Peer string `yaml:"peer"`

	ClientAddr      string `yaml:"client_addr"`
	ClientURL       string `yaml:"client_url"`
	ReplicationAddr string `yaml:"replication_addr"`
	ReplicationURL  string `yaml:"replication_url"`
	HeartbeatAddr   string `yaml:"heartbeat_addr"`
	HeartbeatURL    string `yaml:"heartbeat_url"`

	Catalog     Catalog `yaml:"catalog"`
	OpLog       OpLog   `yaml:"oplog"`
	PendingPath string  `yaml:"pending_path"`
	// Chaos mounts the fault admin routes and wraps the peer client.
	Chaos bool `yaml:"chaos"`
}

type Catalog struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	ReplicaPath string `yaml:"replica_path"`
}

type OpLog struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type Timing struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PeerTimeout        time.Duration `yaml:"peer_timeout"`
	MonitorPoll        time.Duration `yaml:"monitor_poll"`
	ReplicationTimeout time.Duration `yaml:"replication_timeout"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	FailoverPause      time.Duration `yaml:"failover_pause"`
	LoanWindow         time.Duration `yaml:"loan_window"`
	RenewalDays        int           `yaml:"renewal_days"`
	Workers            int           `yaml:"workers"`
	ReplicationWorkers int           `yaml:"replication_workers"`
	ReplicationQueue   int           `yaml:"replication_queue"`
}

type Actor struct {
	Topics         []string `yaml:"topics"`
	Workers        int      `yaml:"workers"`
	CacheSize      int      `yaml:"cache_size"`
	UnresolvedPath string   `yaml:"unresolved_path"`
	ProcessedPath  string   `yaml:"processed_path"`
}

type Gateway struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Default returns the two-site localhost topology.
func Default() Config {
	return Config{
		Sites: []Site{
			defaultSite("SedeA", "SedeB", 5557, 5558, 5560),
			defaultSite("SedeB", "SedeA", 5559, 5561, 5562),
		},
		Timing: Timing{
			HeartbeatInterval:  2 * time.Second,
			PeerTimeout:        10 * time.Second,
			MonitorPoll:        2 * time.Second,
			ReplicationTimeout: 3 * time.Second,
			DispatchTimeout:    5 * time.Second,
			FailoverPause:      time.Second,
			LoanWindow:         14 * 24 * time.Hour,
			RenewalDays:        7,
			Workers:            4,
			ReplicationWorkers: 2,
			ReplicationQueue:   1024,
		},
		Actor: Actor{
			Topics:         []string{"devolucion", "renovacion", "prestamo"},
			Workers:        4,
			CacheSize:      10000,
			UnresolvedPath: "data/unresolved.jsonl",
			ProcessedPath:  "data/actor_processed.jsonl",
		},
		Gateway: Gateway{Addr: ":5555", RateLimit: 200, Burst: 50},
		NATSURL: "nats://127.0.0.1:4222",
	}
}

func defaultSite(name, peer string, client, replication, heartbeat int) Site {
	return Site{
		Name:            name,
		Peer:            peer,
		ClientAddr:      fmt.Sprintf(":%d", client),
		ClientURL:       fmt.Sprintf("http://localhost:%d", client),
		ReplicationAddr: fmt.Sprintf(":%d", replication),
		ReplicationURL:  fmt.Sprintf("http://localhost:%d", replication),
		HeartbeatAddr:   fmt.Sprintf(":%d", heartbeat),
		HeartbeatURL:    fmt.Sprintf("http://localhost:%d", heartbeat),
		Catalog: Catalog{
			Backend:     CatalogText,
			Path:        fmt.Sprintf("data/BD_%s.txt", name),
			ReplicaPath: fmt.Sprintf("data/BD_Replica_%s.txt", name),
		},
		OpLog:       OpLog{Backend: OpLogFile, Path: fmt.Sprintf("data/operaciones_%s.jsonl", name)},
		PendingPath: fmt.Sprintf("data/pending_%s.db", name),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.merge(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

// merge decodes data over c. Keys absent from data keep their current
// value; a sites list replaces the default one.
func (c *Config) merge(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	for i := range c.Sites {
		c.Sites[i].fillDefaults()
	}
	return nil
}

func (s *Site) fillDefaults() {
	if s.Catalog.Backend == "" {
		s.Catalog.Backend = CatalogText
	}
	if s.Catalog.Path == "" {
		s.Catalog.Path = fmt.Sprintf("data/BD_%s.txt", s.Name)
	}
	if s.OpLog.Backend == "" {
		s.OpLog.Backend = OpLogFile
	}
	if s.OpLog.Path == "" && s.OpLog.Backend == OpLogFile {
		s.OpLog.Path = fmt.Sprintf("data/operaciones_%s.jsonl", s.Name)
	}
	if s.PendingPath == "" {
		s.PendingPath = fmt.Sprintf("data/pending_%s.db", s.Name)
	}
}

func (c *Config) applyEnv() {
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	if port, ok := os.LookupEnv("PORT"); ok {
		c.Gateway.Addr = ":" + port
	}
	if dsn, ok := os.LookupEnv("DATABASE_URL"); ok {
		for i := range c.Sites {
			if c.Sites[i].OpLog.Backend == OpLogPostgres && c.Sites[i].OpLog.DSN == "" {
				c.Sites[i].OpLog.DSN = dsn
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Validate checks the topology for missing or inconsistent entries.
func (c Config) Validate() error {
	if len(c.Sites) == 0 {
		return errors.New("config: no sites")
	}
	seen := make(map[string]bool, len(c.Sites))
	for _, s := range c.Sites {
		if s.Name == "" {
			return errors.New("config: site without name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate site %q", s.Name)
		}
		seen[s.Name] = true
		if s.ClientURL == "" {
			return fmt.Errorf("config: site %s has no client_url", s.Name)
		}
		switch s.Catalog.Backend {
		case CatalogText, CatalogSQLite:
		default:
			return fmt.Errorf("config: site %s: unknown catalog backend %q", s.Name, s.Catalog.Backend)
		}
		switch s.OpLog.Backend {
		case OpLogFile:
		case OpLogPostgres:
			if s.OpLog.DSN == "" {
				return fmt.Errorf("config: site %s: postgres oplog needs a dsn or DATABASE_URL", s.Name)
			}
		default:
			return fmt.Errorf("config: site %s: unknown oplog backend %q", s.Name, s.OpLog.Backend)
		}
	}
	for _, s := range c.Sites {
		if s.Peer != "" && !seen[s.Peer] {
			return fmt.Errorf("config: site %s: unknown peer %q", s.Name, s.Peer)
		}
	}
	return nil
}

// Site returns the named site.
func (c Config) Site(name string) (Site, error) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, nil
		}
	}
	return Site{}, fmt.Errorf("config: unknown site %q", name)
}

// ClientURLs returns the sites' request channels in configuration order,
// which is the dispatcher's preference order.
func (c Config) ClientURLs() []string {
	urls := make([]string, len(c.Sites))
	for i, s := range c.Sites {
		urls[i] = s.ClientURL
	}
	return urls
}
