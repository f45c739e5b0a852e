// Command execd is the privileged local process-execution broker daemon
// (spec.md §1): it wires the wire codec, the three executors, and both
// transports together and runs them for the life of the process.
//
// Flag parsing mirrors the teacher's cmd/rigd/main.go (flag.String,
// flag.Duration, flag.Parse straight into constructors); the top-level
// concurrency is composed with github.com/matgreaves/run the way
// server/lifecycle.go composes a service's lifecycle, so the daemon's own
// shutdown is just another run.Group whose members cancel together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/matgreaves/run"

	"github.com/execd/execd/client"
	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/eventexec"
	"github.com/execd/execd/internal/labels"
	"github.com/execd/execd/internal/normalexec"
	"github.com/execd/execd/internal/property"
	"github.com/execd/execd/internal/spawn"
	"github.com/execd/execd/internal/svcexec"
	"github.com/execd/execd/internal/transport/grpcbinder"
	"github.com/execd/execd/internal/transport/streamsocket"

	"google.golang.org/grpc"
)

func main() {
	// os.Args[1] == spawn.HelperArg means this is a re-exec of ourselves
	// used to apply pre-exec setup before handing off to /bin/sh — see
	// internal/spawn. It must be checked before flag.Parse, which would
	// otherwise choke on an argument it doesn't recognize.
	if len(os.Args) > 1 && os.Args[1] == spawn.HelperArg {
		if err := spawn.RunHelper(); err != nil {
			fmt.Fprintf(os.Stderr, "execd: spawn helper: %v\n", err)
			os.Exit(1)
		}
		// RunHelper only returns on error; syscall.Exec never returns on success.
		os.Exit(1)
	}

	socketName := flag.String("socket", streamsocket.DefaultName, "abstract-namespace (or filesystem) unix socket to listen on")
	grpcAddr := flag.String("grpc-addr", "", "tcp address for the grpc binder-like transport (disabled if empty)")
	eventConfig := flag.String("event-config", eventexec.DefaultWritablePath, "writable event-definition config path")
	eventFallback := flag.String("event-fallback", eventexec.DefaultSystemPath, "read-only fallback event-definition config path")
	logFormat := flag.String("log-format", "text", `log output format: "text" or "json"`)
	shutdownGrace := flag.Duration("shutdown-grace", 2*time.Second, "grace period between SIGINT and abandoning still-live services at shutdown")
	pidFile := flag.String("pid-file", "", "optional path to write this process's pid to (removed on graceful shutdown)")
	flag.Parse()

	log := newLogger(*logFormat)

	if err := run_(log, *socketName, *grpcAddr, *eventConfig, *eventFallback, *shutdownGrace, *pidFile); err != nil {
		log.Error("execd: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string) *slog.Logger {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, nil)
	default:
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

// dispatcherRef lets the event executor hold a Poster before the
// dispatcher that will back it exists yet — New(..., dispatcher, ...)
// below binds d once the dispatcher is constructed.
type dispatcherRef struct {
	d *dispatch.Dispatcher
}

func (r *dispatcherRef) Post(msg dispatch.Message) { r.d.Post(msg) }

func run_(log *slog.Logger, socketName, grpcAddr, eventConfig, eventFallback string, shutdownGrace time.Duration, pidFile string) error {
	defaultIdentity := spawn.Identity{UID: os.Getuid(), GID: os.Getgid()}
	alloc := &labels.Allocator{}
	props := property.NewStore()

	normalExec := normalexec.New(log, alloc, defaultIdentity)
	svcExec := svcexec.New(log, alloc, defaultIdentity)

	dref := &dispatcherRef{}
	eventExec, err := eventexec.New(log, props, dref, eventConfig, eventFallback)
	if err != nil {
		return fmt.Errorf("build event executor: %w", err)
	}

	d := dispatch.New(log, normalExec, svcExec, eventExec)
	dref.d = d

	listener, err := streamsocket.Listen(socketName, log)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", socketName, err)
	}

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(pidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	group := run.Group{
		"dispatch": run.Func(func(ctx context.Context) error {
			d.Run(ctx)
			return nil
		}),
		"normal": run.Func(func(ctx context.Context) error {
			stopCh := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(stopCh)
			}()
			normalExec.Run(stopCh)
			return nil
		}),
		"service": run.Func(func(ctx context.Context) error {
			svcExec.Run(ctx, shutdownGrace)
			return nil
		}),
		"event": run.Func(func(ctx context.Context) error {
			eventExec.Run(ctx)
			return nil
		}),
		"streamsocket": run.Func(func(ctx context.Context) error {
			listener.Serve(ctx, d)
			return nil
		}),
	}

	var grpcSrv *grpc.Server
	if grpcAddr != "" {
		ln, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %q: %w", grpcAddr, err)
		}
		grpcSrv = grpc.NewServer()
		grpcbinder.Register(grpcSrv, d, log)
		group["grpcbinder"] = run.Func(func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				grpcSrv.GracefulStop()
			}()
			return grpcSrv.Serve(ln)
		})
		log.Info("execd: grpc binder listening", "addr", grpcAddr)
	}

	log.Info("execd: listening", "socket", socketName)
	err = group.Run(ctx)
	listener.Close()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("execd: shut down cleanly")
	return nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ensure the client package is reachable from this module's build graph
// even before any cmd imports it directly from tests run against the
// installed binary; see internal/integration for actual usage.
var _ = client.DefaultTimeout
