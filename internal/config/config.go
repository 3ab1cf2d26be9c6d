package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	scheduler "github.com/fossology-go/scheduler"
)

// File is the on-disk shape of the TOML configuration file (spec §6):
// [hosts.<name>], [agents.<name>] (with special = [...] flags), a
// top-level [fossology] table, a [directories] table, and a [SCHEDULER]
// table for runtime tuning.
type File struct {
	Fossology   FossologySection        `toml:"fossology"`
	Directories DirectoriesSection      `toml:"directories"`
	Scheduler   SchedulerSection        `toml:"SCHEDULER"`
	Hosts       map[string]HostSection  `toml:"hosts"`
	Agents      map[string]AgentSection `toml:"agents"`
}

type FossologySection struct {
	Port int `toml:"port"`
}

type DirectoriesSection struct {
	LogDir string `toml:"logdir"`
}

type SchedulerSection struct {
	AgentUpdateInterval string `toml:"agent_update_interval"`
	ControlAddr         string `toml:"control_addr"`
}

type HostSection struct {
	Address          string `toml:"address"`
	WorkingDirectory string `toml:"dir"`
	AgentTypeTag     string `toml:"type"`
	Max              int    `toml:"max"`
}

type AgentSection struct {
	Command []string `toml:"command"`
	Max     int      `toml:"max"`
	Special []string `toml:"special"`
}

// Loader implements scheduler.ConfigLoader by reading a TOML file, then
// applying FOSSOLOGY_SCHEDULER_* environment overrides, matching the
// defaults-then-file-then-env layering used elsewhere in this stack.
type Loader struct {
	Path string
}

var _ scheduler.ConfigLoader = Loader{}

const defaultUpdateInterval = 30 * time.Second

// Default returns a File with every section at its zero-but-sane value.
func Default() File {
	return File{
		Fossology:   FossologySection{Port: 5043},
		Directories: DirectoriesSection{LogDir: "/var/log/fossology/scheduler"},
		Scheduler:   SchedulerSection{AgentUpdateInterval: "30s", ControlAddr: "127.0.0.1:5043"},
		Hosts: map[string]HostSection{
			"localhost": {Address: "localhost", WorkingDirectory: "/tmp", Max: 4},
		},
	}
}

// Load reads the TOML file at Path, falling back to Default() for any
// section the file omits, then applies environment overrides (env wins).
func (l Loader) Load() (scheduler.PlatformConfig, error) {
	file := Default()

	path := l.Path
	if path == "" {
		path = "scheduler.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		defaultHosts := file.Hosts
		file.Hosts = nil
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return scheduler.PlatformConfig{}, &scheduler.ErrConfig{Key: path, Message: err.Error()}
		}
		if !md.IsDefined("hosts") {
			file.Hosts = defaultHosts
		}
	}

	if v := os.Getenv("FOSSOLOGY_SCHEDULER_CONTROL_ADDR"); v != "" {
		file.Scheduler.ControlAddr = v
	}
	if v := os.Getenv("FOSSOLOGY_SCHEDULER_LOGDIR"); v != "" {
		file.Directories.LogDir = v
	}
	if v := os.Getenv("FOSSOLOGY_SCHEDULER_UPDATE_INTERVAL"); v != "" {
		file.Scheduler.AgentUpdateInterval = v
	}

	return file.resolve()
}

func (f File) resolve() (scheduler.PlatformConfig, error) {
	interval, err := time.ParseDuration(f.Scheduler.AgentUpdateInterval)
	if err != nil {
		interval = defaultUpdateInterval
	}

	cfg := scheduler.PlatformConfig{
		LogDir:         f.Directories.LogDir,
		ListenPort:     f.Fossology.Port,
		ControlAddr:    f.Scheduler.ControlAddr,
		UpdateInterval: interval,
	}

	for name, h := range f.Hosts {
		cfg.Hosts = append(cfg.Hosts, scheduler.HostConfig{
			Name:             name,
			Address:          h.Address,
			WorkingDirectory: h.WorkingDirectory,
			AgentTypeTag:     h.AgentTypeTag,
			Max:              h.Max,
		})
	}
	for name, a := range f.Agents {
		if len(a.Command) == 0 {
			return scheduler.PlatformConfig{}, &scheduler.ErrConfig{Key: "agents." + name + ".command", Message: "must not be empty"}
		}
		cfg.Agents = append(cfg.Agents, scheduler.AgentConfig{
			Name:    name,
			Command: a.Command,
			Max:     a.Max,
			Special: a.Special,
		})
	}

	return cfg, nil
}
