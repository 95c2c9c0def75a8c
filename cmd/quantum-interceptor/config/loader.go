package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
	"github.com/quantumauth-io/quantum-interceptor/internal/classifier"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
)

const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	// PassphraseEnv holds the storage passphrase so it never has to live in config.yaml.
	PassphraseEnv = "QI_STORAGE_PASSPHRASE"

	defaultLocalHost = "127.0.0.1"
	defaultPort      = "6138"
)

type ClientSettings struct {
	LocalHost        string
	Port             string
	AllowedUIOrigins []string
	DataDir          string
	TerminalConfirm  bool
	ServeUI          bool
	UIReadyTimeoutMs int
}

type StorageConfig struct {
	Backend          string
	Path             string
	Passphrase       string
	PromptPassphrase bool
}

type ChainConfig struct {
	DefaultChainID uint64
	PollIntervalMs int
	DialTimeoutMs  int
}

type NetworkConfig struct {
	Name     string
	ChainID  uint64
	RPC      string
	Explorer string
}

type SimulationConfig struct {
	DefaultMode          bool
	DefaultActiveAddress string
}

type ClassifierConfig struct {
	URL           string
	RatePerSecond float64
	Burst         int
	TimeoutMs     int
	MaxRetries    int32
}

type Config struct {
	ClientSettings *ClientSettings
	Storage        StorageConfig
	Chain          ChainConfig
	Networks       []NetworkConfig
	Simulation     SimulationConfig
	Classifier     ClassifierConfig
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "quantum-interceptor")
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		configDir(),
		filepath.Join(home, "config"),
		".",
	}

	return utilsconfig.ParseConfigWithEmbedded[Config](paths, EmbeddedConfigYAML)
}

// Normalize fills defaults and validates the loaded values. It is safe to call twice.
func (c *Config) Normalize() error {
	if c.ClientSettings == nil {
		c.ClientSettings = &ClientSettings{}
	}
	cs := c.ClientSettings
	cs.LocalHost = strings.TrimSpace(cs.LocalHost)
	if cs.LocalHost == "" {
		cs.LocalHost = defaultLocalHost
	}
	cs.Port = strings.TrimSpace(cs.Port)
	if cs.Port == "" {
		cs.Port = defaultPort
	}
	if p, err := strconv.Atoi(cs.Port); err != nil || p < 0 || p > 65535 {
		return errors.Newf("invalid ClientSettings.Port %q", cs.Port)
	}
	cs.DataDir = strings.TrimSpace(cs.DataDir)
	if cs.DataDir == "" {
		cs.DataDir = filepath.Join(configDir(), "data")
	}
	if cs.UIReadyTimeoutMs <= 0 {
		cs.UIReadyTimeoutMs = 5000
	}
	cs.AllowedUIOrigins = c.uiOrigins()

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = StorageFile
	case StorageFile, StorageSQLite:
	default:
		return errors.Newf("invalid Storage.Backend %q (allowed: file, sqlite)", c.Storage.Backend)
	}
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if c.Storage.Backend == StorageSQLite && (c.Storage.Passphrase != "" || c.Storage.PromptPassphrase) {
		return errors.New("Storage.Passphrase is only supported by the file backend")
	}

	if c.Chain.DefaultChainID == 0 {
		c.Chain.DefaultChainID = networks.ChainMainnet
	}
	if c.Chain.PollIntervalMs <= 0 {
		c.Chain.PollIntervalMs = 4000
	}
	if c.Chain.DialTimeoutMs <= 0 {
		c.Chain.DialTimeoutMs = 10000
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		n.Name = strings.TrimSpace(n.Name)
		n.RPC = strings.TrimSpace(n.RPC)
		n.Explorer = strings.TrimSpace(n.Explorer)
		if n.ChainID == 0 {
			return errors.Newf("Networks[%d] has no ChainID", i)
		}
		if n.Name == "" {
			return errors.Newf("Networks[%d] has no Name", i)
		}
	}

	addr := strings.TrimSpace(c.Simulation.DefaultActiveAddress)
	if addr != "" {
		if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
			addr = "0x" + addr
		}
		if !common.IsHexAddress(addr) {
			return errors.Newf("invalid Simulation.DefaultActiveAddress %q", c.Simulation.DefaultActiveAddress)
		}
		// canonical form: checksummed hex string
		addr = common.HexToAddress(addr).Hex()
	}
	c.Simulation.DefaultActiveAddress = addr

	c.Classifier.URL = strings.TrimRight(strings.TrimSpace(c.Classifier.URL), "/")
	if c.Classifier.MaxRetries < 0 {
		c.Classifier.MaxRetries = 0
	}
	return nil
}

// uiOrigins returns the configured UI origins plus the origins the embedded UI is served
// from, without duplicates.
func (c *Config) uiOrigins() []string {
	cs := c.ClientSettings
	seen := map[string]struct{}{}
	out := make([]string, 0, len(cs.AllowedUIOrigins)+2)
	add := func(o string) {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			return
		}
		if _, ok := seen[o]; ok {
			return
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	for _, o := range cs.AllowedUIOrigins {
		add(o)
	}
	if cs.ServeUI {
		add("http://" + net.JoinHostPort(cs.LocalHost, cs.Port))
		add("http://" + net.JoinHostPort("localhost", cs.Port))
	}
	return out
}

// ApplyPassphraseFromEnv takes the storage passphrase from PassphraseEnv when it is set.
func (c *Config) ApplyPassphraseFromEnv() {
	if v := os.Getenv(PassphraseEnv); v != "" {
		c.Storage.Passphrase = v
	}
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ClientSettings.LocalHost, c.ClientSettings.Port)
}

// StoragePath is the directory of the file backend or the database file of the sqlite one.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Backend == StorageSQLite {
		return filepath.Join(c.ClientSettings.DataDir, "interceptor.db")
	}
	return filepath.Join(c.ClientSettings.DataDir, "state")
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Chain.PollIntervalMs) * time.Millisecond
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Chain.DialTimeoutMs) * time.Millisecond
}

func (c *Config) UIReadyTimeout() time.Duration {
	return time.Duration(c.ClientSettings.UIReadyTimeoutMs) * time.Millisecond
}

// RpcNetworks converts the configured networks. A network without RPC is forward only.
func (c *Config) RpcNetworks() []networks.RpcNetwork {
	out := make([]networks.RpcNetwork, 0, len(c.Networks))
	for _, n := range c.Networks {
		rn := networks.RpcNetwork{Name: n.Name, ChainID: n.ChainID, Explorer: n.Explorer}
		if n.RPC != "" {
			rn.RPCs = []networks.RPC{{Name: "config", URL: n.RPC}}
		}
		out = append(out, rn)
	}
	return out
}

// DefaultSettings are the settings of a first run.
func (c *Config) DefaultSettings() settings.Settings {
	s := settings.Settings{
		SimulationMode: c.Simulation.DefaultMode,
		ActiveChainID:  c.Chain.DefaultChainID,
	}
	if c.Simulation.DefaultActiveAddress != "" {
		addr := common.HexToAddress(c.Simulation.DefaultActiveAddress)
		s.ActiveSimulationAddress = &addr
	}
	return s
}

func (c *Config) ClassifierConfig() classifier.Config {
	return classifier.Config{
		URL:           c.Classifier.URL,
		RatePerSecond: c.Classifier.RatePerSecond,
		Burst:         c.Classifier.Burst,
		Timeout:       time.Duration(c.Classifier.TimeoutMs) * time.Millisecond,
		MaxRetries:    c.Classifier.MaxRetries,
	}
}
