package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Duration is a time.Duration written as a string ("30s") in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the configuration of a registry or peer process
type Config struct {
	// Default config file location
	configFile string

	Registry struct {
		ListenAddress    string   `json:"listen"`
		PeerTimeout      Duration `json:"peer_timeout"`
		ReapInterval     Duration `json:"reap_interval"`
		Workers          int      `json:"workers"`
		RejectDuplicates bool     `json:"reject_duplicates"`
	} `json:"registry"`

	Peer struct {
		Identity          string   `json:"identity"`
		RegistryAddress   string   `json:"registry"`
		ControlListen     string   `json:"control_listen"`
		TransferListen    string   `json:"transfer_listen"`
		AdvertiseHost     string   `json:"advertise_host"`
		SharePath         string   `json:"share"`
		DownloadPath      string   `json:"downloads"`
		HeartbeatInterval Duration `json:"heartbeat_interval"`
	} `json:"peer"`

	// Discovery covers the datagram protocol and locating the registry
	Discovery struct {
		UseMDNS      bool     `json:"mdns"`
		MDNSInstance string   `json:"mdns_instance"`
		Attempts     int      `json:"attempts"`
		Timeout      Duration `json:"timeout"`
		MaxTimeout   Duration `json:"max_timeout"`
	} `json:"discovery"`

	Transfer struct {
		IdleTimeout Duration `json:"idle_timeout"`
	} `json:"transfer"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Registry.ListenAddress = ":7070"
	cfg.Registry.PeerTimeout = Duration(90 * time.Second)
	cfg.Registry.ReapInterval = Duration(15 * time.Second)
	cfg.Registry.Workers = 64

	cfg.Peer.RegistryAddress = "127.0.0.1:7070"
	cfg.Peer.ControlListen = ":0"
	cfg.Peer.TransferListen = ":0"
	cfg.Peer.SharePath = "/tmp/peershare/share"
	cfg.Peer.DownloadPath = "/tmp/peershare/downloads"
	cfg.Peer.HeartbeatInterval = Duration(30 * time.Second)

	cfg.Discovery.UseMDNS = false
	cfg.Discovery.MDNSInstance = "peershare-registry"
	cfg.Discovery.Attempts = 5
	cfg.Discovery.Timeout = Duration(500 * time.Millisecond)
	cfg.Discovery.MaxTimeout = Duration(4 * time.Second)

	cfg.Transfer.IdleTimeout = Duration(30 * time.Second)

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", c.configFile, err)
	}

	return nil
}
