// Command vhost-user-input exposes a host input device to a virtual
// machine monitor as a virtio input device over the vhost-user protocol.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/obviyus/vhost-user-input/internal/backend"
	"github.com/obviyus/vhost-user-input/internal/evdev"
	"github.com/obviyus/vhost-user-input/internal/input"
	"github.com/obviyus/vhost-user-input/internal/vhostuser"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	socketPath := fs.String("socket-path", "", "vhost-user socket path (required)")
	evdevPath := fs.String("evdev-path", "", "host event device to forward, e.g. /dev/input/event3")
	noGrab := fs.Bool("no-grab", false, "do not grab the event device exclusively")
	profilePath := fs.String("profile", "", "device profile YAML file")
	deviceType := fs.String("device", "keyboard", "built-in profile when no evdev device or profile file is given: keyboard, mouse or tablet")
	printCaps := fs.Bool("print-capabilities", false, "print the device capability table as JSON and exit")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn or error")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	var (
		profile *input.DeviceProfile
		device  *evdev.Device
		err     error
	)
	switch {
	case *evdevPath != "":
		device, err = evdev.Open(*evdevPath, !*noGrab)
		if err != nil {
			fatal(logger, err)
		}
		defer device.Close()
		if profile, err = device.Profile(); err != nil {
			fatal(logger, err)
		}
		logger.Info("forwarding host device", "path", *evdevPath, "name", device.Name(), "grabbed", !*noGrab)
	case *profilePath != "":
		if profile, err = input.LoadProfile(*profilePath); err != nil {
			fatal(logger, err)
		}
	default:
		if profile, err = builtinProfile(*deviceType); err != nil {
			fatal(logger, err)
		}
	}

	if *printCaps {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(profile); err != nil {
			fatal(logger, err)
		}
		return
	}

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -socket-path")
		fs.Usage()
		os.Exit(1)
	}

	source := evdev.NewInjector()
	be, err := backend.New(profile, source, backend.Options{Logger: logger})
	if err != nil {
		fatal(logger, err)
	}
	server := vhostuser.NewServer(be, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("shutting down", "signal", sig)
		be.Close()
		server.Close()
	}()

	if device != nil {
		go forwardEvents(logger, device, source, server, be)
	}

	if err := server.ListenAndServe(*socketPath); err != nil {
		fatal(logger, err)
	}
	be.Close()
	if err := server.Close(); err != nil {
		logger.Warn("shutdown left resources behind", "err", err)
	}
}

// forwardEvents pumps host events into the source and kicks the event
// queue so buffers already posted by the guest are filled immediately.
func forwardEvents(logger *slog.Logger, device *evdev.Device, source *evdev.Injector, server *vhostuser.Server, be *backend.Backend) {
	for {
		ev, err := device.ReadEvent()
		if err != nil {
			select {
			case <-be.Done():
			default:
				logger.Error("host device read failed", "err", err)
			}
			return
		}
		source.Push(ev)
		if err := server.Kick(backend.QueueEvent); err != nil {
			if errors.Is(err, backend.ErrShutdown) {
				return
			}
			logger.Warn("event delivery failed", "err", err)
		}
	}
}

func builtinProfile(name string) (*input.DeviceProfile, error) {
	switch name {
	case "keyboard":
		return input.KeyboardProfile(), nil
	case "mouse":
		return input.MouseProfile(), nil
	case "tablet":
		return input.TabletProfile(), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", name)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func fatal(logger *slog.Logger, err error) {
	logger.Error(err.Error())
	os.Exit(1)
}
