// Package config loads the fliswarm configuration file and its environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sdss/fliswarm/internal/adapters/probe"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/sdss/fliswarm/internal/core/registry"
	"gopkg.in/yaml.v3"
)

// Config is the whole fliswarm configuration file.
type Config struct {
	Observatory string                `yaml:"observatory"`
	HTTP        HTTPConfig            `yaml:"http"`
	Log         LogConfig             `yaml:"log"`
	Timeouts    TimeoutsConfig        `yaml:"timeouts"`
	Container   ContainerConfig       `yaml:"container"`
	Power       PowerConfig           `yaml:"power"`
	Sites       map[string]SiteConfig `yaml:"sites"`
}

// HTTPConfig configures the command API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TimeoutsConfig holds the per-node timeouts and the hard deadline factor.
type TimeoutsConfig struct {
	Default        time.Duration `yaml:"default"`
	Probe          time.Duration `yaml:"probe"`
	Status         time.Duration `yaml:"status"`
	DeadlineFactor float64       `yaml:"deadline_factor"`
}

// VolumeConfig describes one named volume of the camera container.
type VolumeConfig struct {
	Driver string            `yaml:"driver"`
	Opts   map[string]string `yaml:"opts"`
	Target string            `yaml:"target"`
}

// ContainerConfig is the camera container template.
type ContainerConfig struct {
	Name        string                  `yaml:"name"`
	Image       string                  `yaml:"image"`
	Registry    string                  `yaml:"registry"`
	Env         map[string]string       `yaml:"env"`
	Volumes     map[string]VolumeConfig `yaml:"volumes"`
	Privileged  bool                    `yaml:"privileged"`
	NetworkMode string                  `yaml:"network_mode"`
	Pull        bool                    `yaml:"pull"`
}

// PowerConfig points at the power actor.
type PowerConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Actor    string            `yaml:"actor"`
	Commands map[string]string `yaml:"commands"`
}

// NodePowerConfig overrides the power settings for one node.
// Device defaults to the node name.
type NodePowerConfig struct {
	Actor  string `yaml:"actor"`
	Device string `yaml:"device"`
}

// NodeConfig describes one node of a site.
type NodeConfig struct {
	Host         string           `yaml:"host"`
	DockerClient string           `yaml:"docker_client"`
	Category     string           `yaml:"category"`
	PowerDevice  string           `yaml:"power_device"`
	Power        *NodePowerConfig `yaml:"power"`
	Port         int              `yaml:"port"`
}

// SiteConfig lists a site's nodes and the ones enabled at startup.
type SiteConfig struct {
	Nodes   map[string]NodeConfig `yaml:"nodes"`
	Enabled []string              `yaml:"enabled"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info"},
		Timeouts: TimeoutsConfig{
			Default:        10 * time.Second,
			Probe:          time.Second,
			Status:         2 * time.Second,
			DeadlineFactor: 3,
		},
		Container: ContainerConfig{
			Name:        "flicamera",
			NetworkMode: "host",
			Privileged:  true,
		},
		Power: PowerConfig{Actor: "lvmnps"},
	}
}

// Override adjusts the configuration after the file and the environment are
// applied, before validation.
type Override func(*Config)

// WithObservatory sets the active site. Empty keeps the loaded value.
func WithObservatory(site string) Override {
	return func(c *Config) {
		if site != "" {
			c.Observatory = site
		}
	}
}

// WithHTTPAddr sets the listen address. Empty keeps the loaded value.
func WithHTTPAddr(addr string) Override {
	return func(c *Config) {
		if addr != "" {
			c.HTTP.Addr = addr
		}
	}
}

// WithLogLevel sets the log level. Empty keeps the loaded value.
func WithLogLevel(level string) Override {
	return func(c *Config) {
		if level != "" {
			c.Log.Level = level
		}
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides, then overrides, and validates the result.
func Load(path string, overrides ...Override) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Observatory = env("FLISWARM_OBSERVATORY", env("OBSERVATORY", c.Observatory))
	c.HTTP.Addr = env("FLISWARM_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = env("FLISWARM_LOG_LEVEL", c.Log.Level)

	var err error
	if c.Log.JSON, err = envBool("FLISWARM_LOG_JSON", c.Log.JSON); err != nil {
		return err
	}
	if c.Timeouts.Default, err = envDuration("FLISWARM_DEFAULT_TIMEOUT", c.Timeouts.Default); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration after overrides are applied.
func (c Config) Validate() error {
	if c.Observatory == "" {
		return errors.New("observatory is required (set it in the file or with FLISWARM_OBSERVATORY)")
	}
	if _, found := c.Sites[c.Observatory]; !found {
		return fmt.Errorf("observatory %q has no site section", c.Observatory)
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Timeouts.Default <= 0 || c.Timeouts.Probe <= 0 || c.Timeouts.Status <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Timeouts.DeadlineFactor < 1 {
		return errors.New("timeouts.deadline_factor must be at least 1")
	}
	if c.Container.Name == "" || c.Container.Image == "" {
		return errors.New("container.name and container.image are required")
	}
	for action := range c.Power.Commands {
		if !slices.Contains([]domain.PowerAction{domain.PowerReboot, domain.PowerOn, domain.PowerOff}, domain.PowerAction(action)) {
			return fmt.Errorf("power.commands: unknown action %q", action)
		}
	}
	if c.Power.Endpoint == "" && c.hasPowerDevices() {
		return errors.New("power.endpoint is required when nodes have power devices")
	}
	return nil
}

func (c Config) hasPowerDevices() bool {
	for _, site := range c.Sites {
		for _, node := range site.Nodes {
			if node.PowerDevice != "" || node.Power != nil {
				return true
			}
		}
	}
	return false
}

// Registry builds the node registry with the configured observatory active.
func (c Config) Registry() (*registry.Registry, error) {
	input := make(map[string]registry.SiteNodes, len(c.Sites))

	for siteName, site := range c.Sites {
		names := lo.Keys(site.Nodes)
		slices.Sort(names)

		nodes := make([]domain.NodeDescriptor, 0, len(names))
		for _, name := range names {
			nc := site.Nodes[name]
			endpoint := nc.DockerClient
			if endpoint == "" && nc.Host != "" {
				endpoint = "tcp://" + nc.Host + ":" + strconv.Itoa(probe.DefaultRuntimePort)
			}
			device, actor := nc.PowerDevice, ""
			if nc.Power != nil {
				device = lo.CoalesceOrEmpty(nc.Power.Device, nc.PowerDevice, name)
				actor = nc.Power.Actor
			}
			nodes = append(nodes, domain.NodeDescriptor{
				Name:            name,
				Host:            nc.Host,
				RuntimeEndpoint: endpoint,
				Category:        nc.Category,
				PowerDevice:     device,
				PowerActor:      actor,
				Port:            nc.Port,
			})
		}

		input[siteName] = registry.SiteNodes{Nodes: nodes, Enabled: site.Enabled}
	}

	reg, err := registry.New(c.Observatory, input)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}
	return reg, nil
}

// Template returns the container template shared by every node.
// Volumes are ordered by name.
func (c Config) Template() domain.ContainerTemplate {
	names := lo.Keys(c.Container.Volumes)
	slices.Sort(names)

	volumes := lo.Map(names, func(name string, _ int) domain.VolumeSpec {
		vc := c.Container.Volumes[name]
		return domain.VolumeSpec{
			Name:   name,
			Driver: vc.Driver,
			Opts:   vc.Opts,
			Target: vc.Target,
		}
	})

	return domain.ContainerTemplate{
		NamePrefix:  c.Container.Name,
		Image:       c.Container.Image,
		Registry:    c.Container.Registry,
		Env:         c.Container.Env,
		Volumes:     volumes,
		Privileged:  c.Container.Privileged,
		NetworkMode: c.Container.NetworkMode,
		Pull:        c.Container.Pull,
	}
}

// PowerCommands returns the configured power actor command per action.
func (c Config) PowerCommands() map[domain.PowerAction]string {
	return lo.MapKeys(c.Power.Commands, func(_ string, action string) domain.PowerAction {
		return domain.PowerAction(action)
	})
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	v := env(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := env(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
