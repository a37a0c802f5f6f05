package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sdss/fliswarm/internal/config"
	"github.com/sdss/fliswarm/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
observatory: APO
timeouts:
  default: 15s
container:
  name: flicamera
  image: sdss/flicamera:latest
  registry: ghcr.io
  env:
    LOG_LEVEL: debug
  volumes:
    data:
      driver: local
      opts:
        type: nfs
        device: ":/data"
power:
  endpoint: http://localhost:9090
  commands:
    reboot: cycle_outlet
sites:
  APO:
    nodes:
      gfa1:
        host: sdss-gfa1
        category: gfa
        power_device: nuc-gfa1
      gfa2:
        host: sdss-gfa2
        docker_client: tcp://10.25.1.12:2376
        category: gfa
      fvc:
        host: sdss-fvc
        power:
          actor: fvc_nps
    enabled: [gfa1]
  LCO:
    nodes:
      fvc:
        host: lco-fvc
    enabled: [fvc]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fliswarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func Test_Load(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "APO", cfg.Observatory)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, time.Second, cfg.Timeouts.Probe, "default kept")
	assert.Equal(t, 3.0, cfg.Timeouts.DeadlineFactor)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "lvmnps", cfg.Power.Actor)
}

func Test_Load_EnvOverrides(t *testing.T) {
	t.Setenv("OBSERVATORY", "LCO")
	t.Setenv("FLISWARM_HTTP_ADDR", ":9000")
	t.Setenv("FLISWARM_DEFAULT_TIMEOUT", "3s")
	t.Setenv("FLISWARM_LOG_LEVEL", "debug")

	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "LCO", cfg.Observatory)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv("FLISWARM_OBSERVATORY", "APO")
	cfg, err = config.Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "APO", cfg.Observatory, "FLISWARM_OBSERVATORY wins over OBSERVATORY")
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("FLISWARM_OBSERVATORY", "")
	t.Setenv("OBSERVATORY", "")
	t.Setenv("FLISWARM_HTTP_ADDR", ":9000")
	body := "sites: {LCO: {nodes: {fvc: {host: lco-fvc}}}}\ncontainer: {image: x}\n"

	_, err := config.Load(writeConfig(t, body))
	require.Error(t, err, "no observatory anywhere")

	cfg, err := config.Load(
		writeConfig(t, body),
		config.WithObservatory("LCO"),
		config.WithHTTPAddr(":7000"),
		config.WithLogLevel(""),
	)
	require.NoError(t, err)
	assert.Equal(t, "LCO", cfg.Observatory)
	assert.Equal(t, ":7000", cfg.HTTP.Addr, "override wins over env")
	assert.Equal(t, "info", cfg.Log.Level, "empty override keeps the loaded value")
}

func Test_Load_Invalid(t *testing.T) {
	cases := map[string]string{
		"no observatory":   "sites: {APO: {nodes: {gfa1: {host: a}}}}\ncontainer: {image: x}\n",
		"unknown site":     "observatory: XYZ\nsites: {APO: {nodes: {gfa1: {host: a}}}}\ncontainer: {image: x}\n",
		"no image":         "observatory: APO\nsites: {APO: {nodes: {gfa1: {host: a}}}}\n",
		"bad factor":       "observatory: APO\nsites: {APO: {nodes: {gfa1: {host: a}}}}\ncontainer: {image: x}\ntimeouts: {deadline_factor: 0}\n",
		"bad power action": "observatory: APO\nsites: {APO: {nodes: {gfa1: {host: a}}}}\ncontainer: {image: x}\npower: {endpoint: http://x, commands: {blink: b}}\n",
		"no power url":     "observatory: APO\nsites: {APO: {nodes: {gfa1: {host: a, power_device: d}}}}\ncontainer: {image: x}\n",
		"no power url 2":   "observatory: APO\nsites: {APO: {nodes: {gfa1: {host: a, power: {}}}}}\ncontainer: {image: x}\n",
		"not yaml":         "observatory: [",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func Test_Load_BadEnv(t *testing.T) {
	t.Setenv("FLISWARM_DEFAULT_TIMEOUT", "soon")
	_, err := config.Load(writeConfig(t, sample))
	assert.Error(t, err)
}

func Test_Registry(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, "APO", reg.Site())

	gfa1, found := reg.Node("gfa1")
	require.True(t, found)
	assert.Equal(t, "tcp://sdss-gfa1:2375", gfa1.RuntimeEndpoint)
	assert.Equal(t, "nuc-gfa1", gfa1.PowerDevice)
	assert.True(t, gfa1.Enabled)

	gfa2, found := reg.Node("gfa2")
	require.True(t, found)
	assert.Equal(t, "tcp://10.25.1.12:2376", gfa2.RuntimeEndpoint)
	assert.False(t, gfa2.Enabled)

	fvc, found := reg.Node("fvc")
	require.True(t, found)
	assert.Equal(t, "fvc", fvc.PowerDevice, "device defaults to the node name")
	assert.Equal(t, "fvc_nps", fvc.PowerActor)
	assert.Empty(t, gfa1.PowerActor)
	assert.Empty(t, gfa2.PowerDevice)

	nodes, err := reg.Resolve("LCO")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "lco-fvc", nodes[0].Host)
}

func Test_Registry_EnabledNotConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Observatory = "APO"
	cfg.Container.Image = "x"
	cfg.Sites = map[string]config.SiteConfig{
		"APO": {Nodes: map[string]config.NodeConfig{"gfa1": {Host: "a"}}, Enabled: []string{"gfa9"}},
	}
	require.NoError(t, cfg.Validate())

	_, err := cfg.Registry()
	assert.Error(t, err)
}

func Test_Template(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)

	tmpl := cfg.Template()
	spec := tmpl.SpecFor("APO", domain.NodeDescriptor{Name: "gfa1"})
	assert.Equal(t, "flicamera-gfa1", spec.Name)
	assert.Equal(t, "ghcr.io/sdss/flicamera:latest", spec.Image)
	assert.Equal(t, "debug", spec.Env["LOG_LEVEL"])
	assert.Equal(t, "gfa1", spec.Env["ACTOR_NAME"])
	require.Len(t, spec.Volumes, 1)
	assert.Equal(t, "data", spec.Volumes[0].Name)
	assert.Equal(t, "/data", spec.Volumes[0].MountTarget())
	assert.True(t, spec.Privileged)
	assert.Equal(t, "host", spec.NetworkMode)

	assert.Equal(t, map[domain.PowerAction]string{domain.PowerReboot: "cycle_outlet"}, cfg.PowerCommands())
}
