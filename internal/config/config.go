package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listeners
	PackFrontendAddr string `yaml:"pack_frontend_addr"`
	PackVirtAddr     string `yaml:"pack_virt_addr"`
	PackBackendAddr  string `yaml:"pack_backend_addr"`
	SmartHTTPAddr    string `yaml:"smart_http_addr"`
	SmartSSHAddr     string `yaml:"smart_ssh_addr"`
	AdminAddr        string `yaml:"admin_addr"`

	// Where the proxies dial; override when the tiers run on
	// separate hosts.
	BackendConnectAddr string `yaml:"backend_connect_addr"`
	MidendConnectAddr  string `yaml:"midend_connect_addr"`

	// Paths
	RepoStore   string `yaml:"repo_store"`
	DataDir     string `yaml:"data_dir"`
	HookRPCSock string `yaml:"hookrpc_sock"`
	HookBin     string `yaml:"hook_bin"`
	SSHHostKey  string `yaml:"ssh_host_key"`

	// Authorization service
	VirtinfoEndpoint       string `yaml:"virtinfo_endpoint"`
	VirtinfoTimeoutSeconds int    `yaml:"virtinfo_timeout_seconds"`

	// Repo creation
	CreateTimeoutSeconds int `yaml:"create_repo_timeout_seconds"`
}

func Default() *Config {
	return &Config{
		PackFrontendAddr:       ":9418",
		PackVirtAddr:           ":9420",
		PackBackendAddr:        ":19418",
		SmartHTTPAddr:          ":9419",
		SmartSSHAddr:           ":9422",
		AdminAddr:              "127.0.0.1:19417",
		BackendConnectAddr:     "127.0.0.1:19418",
		MidendConnectAddr:      "127.0.0.1:9420",
		RepoStore:              "/srv/turnip/repos",
		DataDir:                "/srv/turnip/data",
		VirtinfoEndpoint:       "http://localhost:6543",
		VirtinfoTimeoutSeconds: 15,
		CreateTimeoutSeconds:   900,
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "turnip.db")
}

func (c *Config) HookRPCSockPath() string {
	if c.HookRPCSock != "" {
		return c.HookRPCSock
	}
	return filepath.Join(c.DataDir, "hookrpc.sock")
}

func (c *Config) VirtinfoTimeout() time.Duration {
	return time.Duration(c.VirtinfoTimeoutSeconds) * time.Second
}

func (c *Config) CreateTimeout() time.Duration {
	return time.Duration(c.CreateTimeoutSeconds) * time.Second
}

func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.RepoStore, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return err
	}
	return nil
}
