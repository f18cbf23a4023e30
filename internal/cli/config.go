package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/indexplane/internal/controller"
	"github.com/ChuLiYu/indexplane/internal/node"
	"github.com/ChuLiYu/indexplane/internal/positions"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

const (
	defaultControlPlaneAddr = ":7280"
	defaultNodeAddr         = ":7281"
	defaultMetricsPort      = 9090
	defaultNodeCapacity     = 2 * types.PipelineFullCapacity
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Node         node.Config       `yaml:"node"`
	ControlPlane controller.Config `yaml:"control_plane"`
	Positions    positions.Config  `yaml:"positions"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills what the file left out. Component level defaults
// (intervals, timeouts) stay with the components.
func (c *Config) applyDefaults() {
	if c.Node.NodeID == "" {
		c.Node.NodeID = types.NodeID("node-" + uuid.NewString()[:8])
	}
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = defaultNodeAddr
	}
	if c.Node.AdvertiseAddr == "" {
		c.Node.AdvertiseAddr = dialable(c.Node.ListenAddr)
	}
	if c.Node.Capacity == 0 {
		c.Node.Capacity = defaultNodeCapacity
	}
	if c.ControlPlane.ListenAddr == "" {
		c.ControlPlane.ListenAddr = defaultControlPlaneAddr
	}
	if c.Node.ControlPlaneAddr == "" {
		c.Node.ControlPlaneAddr = dialable(c.ControlPlane.ListenAddr)
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
}

// dialable turns a wildcard listen address into one a client can dial.
func dialable(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
