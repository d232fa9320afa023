// ABOUTME: Entry point for harmoniad: wires transport, clock, group, engine, state and the HTTP surface
// ABOUTME: Two-stage graceful shutdown on SIGINT/SIGTERM/loopback abort: drain the engine, then the negotiator
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chorusmesh/harmonia/internal/appstate"
	"github.com/chorusmesh/harmonia/internal/beatclock"
	"github.com/chorusmesh/harmonia/internal/block"
	"github.com/chorusmesh/harmonia/internal/config"
	"github.com/chorusmesh/harmonia/internal/discovery"
	"github.com/chorusmesh/harmonia/internal/engine"
	"github.com/chorusmesh/harmonia/internal/group"
	"github.com/chorusmesh/harmonia/internal/httpapi"
	"github.com/chorusmesh/harmonia/internal/linksession"
	"github.com/chorusmesh/harmonia/internal/logging"
	"github.com/chorusmesh/harmonia/internal/playback"
	"github.com/chorusmesh/harmonia/internal/store"
	"github.com/chorusmesh/harmonia/internal/transport"
	"github.com/chorusmesh/harmonia/internal/tui"
	"github.com/chorusmesh/harmonia/internal/version"
)

// groupMulticastAddr is the group protocol's own multicast group, distinct
// from the beat-clock's peer-exchange group below.
const groupMulticastAddr = "224.76.78.75:20810"

// linkMulticastAddr is the beat-clock facade's own peer-exchange group.
const linkMulticastAddr = "224.76.78.75:20808"

func main() {
	cfg := config.Parse()

	logFile, err := logging.Setup(cfg.LogFile, cfg.Debug)
	if err != nil {
		log.Fatalf("harmoniad: %v", err)
	}
	defer logFile.Close()

	nick := resolveNick(cfg.Name)
	log.Printf("%s %s: starting as %q on port %d", version.Product, version.Version, nick, cfg.Port)

	hostID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	groupTransport, err := transport.New(groupMulticastAddr)
	if err != nil {
		log.Fatalf("harmoniad: group transport: %v", err)
	}
	groupTransport.Start(ctx)

	linkTransport, err := transport.New(linkMulticastAddr)
	if err != nil {
		log.Fatalf("harmoniad: link transport: %v", err)
	}
	linkTransport.Start(ctx)

	session := linksession.New(linkTransport, hostID)
	session.Start(ctx)
	session.Enable(!cfg.DisableLink)

	clock := beatclock.New(session)

	negotiator := group.New(groupTransport, clock)
	negotiator.Run(ctx)

	var appState *appstate.State
	eng := engine.New(
		func(id block.ID) (block.Block, bool) { return appState.Resolve(id) },
		func(b block.Block, interrupt *playback.Interrupt) error {
			switch b.Content.(type) {
			case block.MIDISource:
				return playback.RunMIDI(b, interrupt, clock, negotiator, appState)
			case block.SharedMemorySource:
				return playback.RunSHM(b, interrupt, clock, negotiator, appState)
			default:
				return fmt.Errorf("harmoniad: block %s has unplayable content %T", b.ID, b.Content)
			}
		},
	)

	appState = appstate.New(clock, eng, negotiator)
	appState.SetNick(nick)
	appState.SetPorts(playback.OutPortNames())

	if blocks, err := store.LoadBlocks(); err != nil {
		log.Printf("harmoniad: failed to recollect previous blocks: %v", err)
	} else {
		for _, b := range blocks {
			appState.PutBlock(b)
		}
		log.Printf("harmoniad: recollected %d previously uploaded blocks", len(blocks))
	}

	mdnsManager := discovery.NewManager(discovery.Config{Nick: nick, Port: cfg.Port})
	if err := mdnsManager.Advertise(); err != nil {
		log.Printf("harmoniad: mDNS advertisement failed: %v", err)
	}
	mdnsManager.Browse()

	httpServer := &http.Server{
		Addr:    bindAddr(cfg),
		Handler: httpapi.New(appState),
	}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	log.Printf("harmoniad: HTTP API listening on %s", httpServer.Addr)

	var dashboard *tui.Dashboard
	var tuiDone <-chan struct{}
	if !cfg.NoColor {
		dashboard = tui.New()
		tuiDone = dashboard.QuitChan()
		go func() {
			if err := dashboard.Start(appState); err != nil {
				log.Printf("harmoniad: tui exited: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("harmoniad: received %v, shutting down", sig)
	case <-appState.Aborted():
		log.Printf("harmoniad: abort requested, shutting down")
	case <-tuiDone:
		log.Printf("harmoniad: quit requested from dashboard, shutting down")
	case err := <-errChan:
		log.Printf("harmoniad: HTTP server error: %v", err)
	}

	if dashboard != nil {
		dashboard.Stop()
	}

	// Stage (a): drain the engine so any in-flight playback cleans up
	// (notes off, group stop) before anything else tears down.
	eng.Quit()

	if blocks := appState.Snapshot().Blocks; len(blocks) > 0 {
		if err := store.SaveBlocks(blocks); err != nil {
			log.Printf("harmoniad: failed to persist blocks on shutdown: %v", err)
		}
	}

	// Stage (b): stop the negotiator and the transports/session it and the
	// clock depend on.
	negotiator.Quit()
	session.Close()
	mdnsManager.Stop()
	groupTransport.Close()
	linkTransport.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("harmoniad: HTTP server shutdown error: %v", err)
	}

	log.Printf("harmoniad: stopped cleanly")
}

func resolveNick(override string) string {
	if override != "" {
		return override
	}
	if saved, err := store.LoadNick(); err == nil && saved != "" {
		return saved
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "harmonia-host"
	}
	_ = store.SaveNick(hostname)
	return hostname
}

func bindAddr(cfg config.Config) string {
	if cfg.IP != "" {
		return net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.Port))
	}
	if cfg.Open {
		return fmt.Sprintf(":%d", cfg.Port)
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", cfg.Port))
}
