// Command devmon is the server half of the device availability monitor:
// it watches kernel device enumeration, maintains the device table, and
// serves the subscriber protocol on a control socket while bridging
// tagged devices to the service supervisor.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/frobware/devmon/internal/config"
	"github.com/frobware/devmon/internal/eventloop"
	"github.com/frobware/devmon/internal/kernel"
	"github.com/frobware/devmon/internal/kernel/dummy"
	"github.com/frobware/devmon/internal/kernel/uevent"
	"github.com/frobware/devmon/internal/logging"
	"github.com/frobware/devmon/internal/reconcile"
	"github.com/frobware/devmon/internal/subscriber"
	"github.com/frobware/devmon/internal/supervisor"
	"github.com/frobware/devmon/internal/table"
	"github.com/frobware/devmon/internal/wire"
)

func main() {
	cfg := config.FromEnviron()

	spec, err := logging.ParseSpec(cfg.LogSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devmon: invalid %s: %v\n", config.EnvLogSpec, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, spec, "devmon: ")

	var readyFD = -1
	if len(os.Args) > 1 {
		fd, err := strconv.Atoi(os.Args[1])
		if err != nil {
			logger.Error("invalid readiness fd argument", "arg", os.Args[1], "error", err)
			os.Exit(1)
		}
		readyFD = fd
	}

	kernelSrc, err := openKernelSource(cfg)
	if err != nil {
		logger.Error("failed to open kernel source", "error", err)
		os.Exit(1)
	}
	defer kernelSrc.Close()

	bridge, err := openSupervisorBridge(cfg)
	if err != nil {
		logger.Error("failed to open supervisor bridge", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	anchor, err := loadAnchorService(bridge, cfg.AnchorService)
	if err != nil {
		logger.Error("failed to load anchor service", "service", cfg.AnchorService, "error", err)
		os.Exit(1)
	}

	tab := table.New()
	subs := subscriber.NewTable()
	reconciler := reconcile.New(bridge, anchor, subs, logging.For(logger, "reconcile"))

	listenFD, err := wire.NewListener(cfg.ControlSocket)
	if err != nil {
		logger.Error("failed to bind control socket", "path", cfg.ControlSocket, "error", err)
		os.Exit(1)
	}

	if readyFD >= 0 {
		if err := signalReady(readyFD); err != nil {
			logger.Warn("failed to signal readiness", "error", err)
		}
	}

	loop, err := eventloop.New(logging.For(logger, "eventloop"), listenFD, kernelSrc, bridge, tab, subs, reconciler)
	if err != nil {
		logger.Error("failed to construct event loop", "error", err)
		os.Exit(1)
	}
	defer loop.Close()

	if err := loop.Enumerate(); err != nil {
		logger.Error("initial enumeration failed", "error", err)
		os.Exit(1)
	}

	if err := loop.DrainSupervisor(); err != nil {
		logger.Error("initial supervisor drain failed", "error", err)
		os.Exit(1)
	}

	logger.Info("devmon started", "dummy", cfg.Dummy, "control-socket", cfg.ControlSocket, "anchor", cfg.AnchorService)

	if err := loop.Run(); err != nil {
		logger.Error("event loop exited with error", "error", err)
		os.Exit(1)
	}
}

func openKernelSource(cfg config.Config) (kernel.Source, error) {
	if cfg.Dummy {
		return dummy.New()
	}
	return uevent.Open()
}

func openSupervisorBridge(cfg config.Config) (supervisor.Bridge, error) {
	fd := cfg.SupervisorFD
	if fd < 0 {
		var err error
		fd, err = wire.Dial(config.SupervisorSocketPath)
		if err != nil {
			return nil, err
		}
	}
	return supervisor.NewNetBridge(fd), nil
}

// loadAnchorService blocks, driving the bridge's own dispatch loop,
// until the one-time anchor-service load completes. Besides the event
// loop's initial drain, this is the only place the server waits
// synchronously on the bridge, since every per-device edge attaches to
// this handle for the life of the process.
func loadAnchorService(bridge supervisor.Bridge, name string) (supervisor.Handle, error) {
	var handle supervisor.Handle
	var loadErr error
	done := false

	bridge.LoadService(name, false, func(h supervisor.Handle, err error) {
		handle, loadErr, done = h, err, true
	})

	for !done {
		if _, err := bridge.Dispatch(time.Second); err != nil {
			return 0, err
		}
		if err := bridge.Err(); err != nil {
			return 0, err
		}
	}
	return handle, loadErr
}

func signalReady(fd int) error {
	f := os.NewFile(uintptr(fd), "readiness")
	if f == nil {
		return fmt.Errorf("devmon: invalid readiness fd %d", fd)
	}
	defer f.Close()
	_, err := f.WriteString("READY=1\n")
	return err
}
