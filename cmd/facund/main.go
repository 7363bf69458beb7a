// Command facund is a privileged background daemon that watches one
// or more freebsd-update base directories for pending or installed
// patches and exposes install/rollback/service-restart operations to
// a single authenticated client over a Unix-domain socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/facund/facund/internal/config"
	"github.com/facund/facund/internal/protocol"
	"github.com/facund/facund/internal/transport"
	"github.com/facund/facund/internal/watcher"
)

const (
	defaultConfigFile = "/etc/facund.conf"
	socketPath        = "/tmp/facund"
)

func main() {
	fs := flag.NewFlagSet("facund", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFile := fs.String("c", defaultConfigFile, "path to the configuration file")
	help := fs.Bool("h", false, "print usage and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fs.Usage()
		os.Exit(1)
	}
	if *help {
		fs.Usage()
		os.Exit(1)
	}

	log.Printf("[INFO] facund starting, reading config from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}

	release, err := systemRelease()
	if err != nil {
		log.Fatalf("[FATAL] could not determine system release: %v", err)
	}
	log.Printf("[INFO] watching release %s", release)

	w, err := watcher.New(cfg.BaseDirs, release)
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}

	if cfg.Password == "" {
		log.Printf("[WARN] no password configured, every client connection runs unauthenticated")
	}
	engine := protocol.NewEngine(cfg.Password, protocol.NewHandlers(w))

	conn, err := transport.ListenServer(socketPath)
	if err != nil {
		log.Fatalf("[FATAL] could not listen on %s: %v", socketPath, err)
	}
	defer conn.Cleanup()
	log.Printf("[INFO] listening on %s", socketPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		serveLoop(ctx, conn, engine)
	}()

	<-ctx.Done()
	log.Printf("[INFO] shutdown signal received, exiting...")
	conn.Cleanup()
	wg.Wait()
	log.Printf("[INFO] facund stopped")
}

// serveLoop accepts one client at a time for as long as ctx is alive,
// handing each connection to protocol.Serve in turn; the daemon only
// ever talks to a single peer, so the next Accept doesn't start until
// the previous session has finished.
func serveLoop(ctx context.Context, conn *transport.Connection, engine *protocol.Engine) {
	for {
		if err := conn.Accept(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrAlreadyConnected) {
				return
			}
			log.Printf("[WARN] accept failed: %v", err)
			return
		}

		if err := protocol.Serve(ctx, conn, engine); err != nil {
			log.Printf("[WARN] session ended: %v", err)
		}
		conn.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

// systemRelease returns the running system's release string, the way
// freebsd-update identifies patch levels (e.g. "13.2-RELEASE"). The
// UNAME_r environment variable overrides the live "uname -r" call,
// the same escape hatch freebsd-update itself honors for testing.
func systemRelease() (string, error) {
	if r := os.Getenv("UNAME_r"); r != "" {
		return r, nil
	}
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return "", fmt.Errorf("uname -r: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
