// Command flashd runs the Flash Job Orchestrator: it wires together the
// device inventory, image resolver, safety gate, batch scheduler, and
// event bus behind an HTTP API, then serves until SIGINT/SIGTERM.
//
// The flag-parsing-plus-signal-driven-shutdown shape here is grounded on
// the teacher pack's cmd/ublk-mem/main.go: flags for the tunables a test
// rig needs to override, a logger built from a Config and installed as
// the package default, signal.Notify on SIGINT/SIGTERM racing a
// bounded-timeout cleanup goroutine, and a final os.Exit with the
// shutdown outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/flashgrid/flashd/internal/api"
	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
	"github.com/flashgrid/flashd/internal/eventbus"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/inventory"
	"github.com/flashgrid/flashd/internal/safety"
	"github.com/flashgrid/flashd/internal/scheduler"
)

func main() {
	var (
		listenAddr  = flag.String("listen", ":8080", "HTTP listen address")
		imagesDir   = flag.String("images-dir", "/var/lib/flashd/images", "directory of flashable images")
		configPath  = flag.String("config", "", "optional JSON config override file")
		concurrency = flag.Int("concurrency", 0, "initial batch concurrency (0 = config default)")
		ddPath      = flag.String("dd-path", "", "override the dd binary path")
		logLevel    = flag.String("log-level", "info", "debug|info|warn|error")
		shutdownDur = flag.Duration("shutdown-timeout", 15*time.Second, "graceful shutdown deadline")
	)
	flag.Parse()

	logger := nlog.New(&nlog.Config{Level: parseLevel(*logLevel), Output: os.Stderr})
	nlog.SetDefault(logger)

	if *configPath != "" {
		if err := cmn.LoadConfigFile(*configPath); err != nil {
			nlog.Errorf("flashd: loading config %s: %v", *configPath, err)
			os.Exit(1)
		}
	}
	if *ddPath != "" {
		c := *cmn.GCO()
		c.DDPath = *ddPath
		c.Version++
		cmn.PutGCO(&c)
	}

	if err := os.MkdirAll(*imagesDir, 0o755); err != nil {
		nlog.Errorf("flashd: images dir %s: %v", *imagesDir, err)
		os.Exit(1)
	}

	inv := inventory.New()
	resolver := image.NewResolver(*imagesDir)
	gate := safety.New(inv)
	bus := eventbus.New()
	sched := scheduler.New(resolver, gate, bus, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go inventory.Watch(ctx, inv, bus.PublishDrive)

	srv := api.New(inv, resolver, sched, bus)
	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		nlog.Infof("flashd: listening on %s, images dir %s", *listenAddr, *imagesDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigUsr1 := make(chan os.Signal, 1)
	signal.Notify(sigUsr1, syscall.SIGUSR1)
	go func() {
		for range sigUsr1 {
			dumpGoroutines()
		}
	}()

	var exitCode int
	select {
	case <-ctx.Done():
		nlog.Infof("flashd: shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			nlog.Errorf("flashd: http server exited: %v", err)
			exitCode = 1
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownDur)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Stop()
		sched.CancelAll()
		sched.Wait()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			nlog.Warnf("flashd: http shutdown: %v", err)
		}
	}()

	select {
	case <-done:
		nlog.Infof("flashd: shutdown complete")
	case <-shutdownCtx.Done():
		nlog.Warnf("flashd: shutdown deadline exceeded, forcing exit")
		exitCode = 1
	}

	os.Exit(exitCode)
}

func parseLevel(s string) nlog.Level {
	switch s {
	case "debug":
		return nlog.LevelDebug
	case "warn":
		return nlog.LevelWarn
	case "error":
		return nlog.LevelError
	default:
		return nlog.LevelInfo
	}
}

func dumpGoroutines() {
	buf := make([]byte, 1<<20)
	n := 0
	for {
		n = runtime.Stack(buf, true)
		if n < len(buf) {
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	fmt.Fprintf(os.Stderr, "=== flashd goroutine dump ===\n%s\n", buf[:n])
}
