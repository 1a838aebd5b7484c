package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"TrustMesh/internal/policy"
)

// PeerConfig identifies one federated peer.
type PeerConfig struct {
	Org string `yaml:"org"` // Org is the peer's organization id
	URL string `yaml:"url"` // URL is the peer's HTTP base address
}

// Config holds the node configuration. Flags cover the common knobs; the
// YAML file adds peers and federation policy.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `yaml:"http"`

	// QUICAddress is the QUIC peer listen address, empty to disable.
	QUICAddress string `yaml:"quic"`

	// KeyPath is the path to the ed25519 private key file.
	KeyPath string `yaml:"key"`

	// Org is this node's organization id.
	Org string `yaml:"org"`

	// Namespaces lists the namespaces this node replicates.
	Namespaces []string `yaml:"namespaces"`

	// Peers lists the federated organizations to sync with.
	Peers []PeerConfig `yaml:"peers"`

	// QUICPeers lists peer QUIC addresses to dial for gossip.
	QUICPeers []string `yaml:"quicPeers"`

	// BootstrapAddr is a peer HTTP address to import namespace snapshots
	// from before the first sync round, empty to start from local state.
	BootstrapAddr string `yaml:"bootstrap"`

	// Federation maps namespace to its cross-org allow-list.
	Federation map[string]policy.FederationPolicy `yaml:"federation"`

	// SyncIntervalSeconds is the delay between sync rounds.
	SyncIntervalSeconds int `yaml:"syncIntervalSeconds"`

	// ObserveMode logs policy denials without enforcing them.
	ObserveMode bool `yaml:"observeMode"`

	// PrivateKey is the node's ed25519 signing key.
	PrivateKey ed25519.PrivateKey `yaml:"-"`
}

// parseFlags parses command-line flags and the optional YAML config file.
// Flag values win over file values.
func parseFlags() (*Config, error) {
	var (
		configPath string
		namespaces string
	)

	cfg := &Config{}

	flag.StringVar(&configPath, "config", "", "YAML configuration file path")
	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", "", "QUIC peer address (empty disables QUIC)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.Org, "org", "", "Organization id")
	flag.StringVar(&cfg.BootstrapAddr, "bootstrap", "", "Peer HTTP address to import snapshots from at startup")
	flag.StringVar(&namespaces, "ns", "default", "Comma-separated namespaces")
	flag.IntVar(&cfg.SyncIntervalSeconds, "sync-interval", 30, "Seconds between sync rounds")
	flag.BoolVar(&cfg.ObserveMode, "observe", false, "Log policy denials without enforcing")
	flag.Parse()

	cfg.Namespaces = splitList(namespaces)

	if configPath != "" {
		fileCfg, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		mergeConfig(cfg, fileCfg)
	}

	if cfg.Org == "" {
		return nil, fmt.Errorf("organization id is required (-org or config file)")
	}

	return cfg, nil
}

// loadConfigFile reads and decodes a YAML config file.
func loadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file:\n%w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config file:\n%w", err)
	}

	return &cfg, nil
}

// mergeConfig fills unset flag values from the file config. Peers and
// federation only come from the file.
func mergeConfig(cfg, file *Config) {
	if cfg.Org == "" {
		cfg.Org = file.Org
	}
	if file.DataPath != "" && cfg.DataPath == "./data" {
		cfg.DataPath = file.DataPath
	}
	if file.HTTPAddress != "" && cfg.HTTPAddress == ":8080" {
		cfg.HTTPAddress = file.HTTPAddress
	}
	if file.QUICAddress != "" && cfg.QUICAddress == "" {
		cfg.QUICAddress = file.QUICAddress
	}
	if file.KeyPath != "" && cfg.KeyPath == "" {
		cfg.KeyPath = file.KeyPath
	}
	if len(file.Namespaces) > 0 {
		cfg.Namespaces = file.Namespaces
	}
	if file.SyncIntervalSeconds > 0 {
		cfg.SyncIntervalSeconds = file.SyncIntervalSeconds
	}
	if file.ObserveMode {
		cfg.ObserveMode = true
	}
	if file.BootstrapAddr != "" && cfg.BootstrapAddr == "" {
		cfg.BootstrapAddr = file.BootstrapAddr
	}

	cfg.Peers = file.Peers
	cfg.QUICPeers = file.QUICPeers
	cfg.Federation = file.Federation
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
