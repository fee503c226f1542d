// Package config centralises the monitor's environment-variable
// surface. There is no config file: the monitor's scope excludes
// persisted configuration, so a small immutable struct built once at
// startup, in the shape of the teacher's RuntimeDirs pattern, is all
// that's needed.
package config

import (
	"os"
	"strconv"
)

const (
	// EnvDummy, when set to any non-empty value, forces dummy mode
	// regardless of the container indicator or sentinel file.
	EnvDummy = "DEVMON_DUMMY"

	// EnvContainer, when equal to "1", implies dummy mode.
	EnvContainer = "container"

	// EnvSupervisorFD names an already-open file descriptor connected
	// to the supervision daemon. Absent means "dial the system
	// supervisor connection".
	EnvSupervisorFD = "DEVMON_SUPERVISOR_FD"

	// EnvAnchorService names the anchor service that every device
	// pseudo-service edge attaches to.
	EnvAnchorService = "DEVMON_ANCHOR_SERVICE"

	// EnvLogSpec holds a logging.Spec string.
	EnvLogSpec = "DEVMON_LOG"

	// DefaultAnchorService is used when EnvAnchorService is unset.
	DefaultAnchorService = "system"

	// RuntimeDir is the well-known directory the dummy-mode sentinel
	// file is checked under.
	RuntimeDir = "/run/devmon"

	// DummySentinel is the file whose mere readability forces dummy mode.
	DummySentinel = RuntimeDir + "/dummy"

	// ControlSocketPath is the compile-time-constant path of the
	// control socket; it is not configurable, per the external
	// interface contract.
	ControlSocketPath = "/run/devmon/control"

	// SupervisorSocketPath is dialed when EnvSupervisorFD is unset.
	SupervisorSocketPath = "/run/dinit-control"
)

// Config is the monitor's resolved startup configuration.
type Config struct {
	Dummy          bool
	SupervisorFD   int // -1 means "dial SupervisorSocketPath"
	AnchorService  string
	LogSpec        string
	ControlSocket  string
}

// FromEnviron resolves Config from the process environment, following
// the precedence in spec.md §4.1 / §6: an explicit dummy-mode variable,
// then the container indicator, then the sentinel file.
func FromEnviron() Config {
	cfg := Config{
		SupervisorFD:  -1,
		AnchorService: DefaultAnchorService,
		ControlSocket: ControlSocketPath,
	}

	if v := os.Getenv(EnvDummy); v != "" {
		cfg.Dummy = true
	} else if os.Getenv(EnvContainer) == "1" {
		cfg.Dummy = true
	} else if sentinelReadable(DummySentinel) {
		cfg.Dummy = true
	}

	if v := os.Getenv(EnvAnchorService); v != "" {
		cfg.AnchorService = v
	}

	cfg.LogSpec = os.Getenv(EnvLogSpec)

	if v := os.Getenv(EnvSupervisorFD); v != "" {
		if fd, err := strconv.Atoi(v); err == nil {
			cfg.SupervisorFD = fd
		}
	}

	return cfg
}

func sentinelReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
