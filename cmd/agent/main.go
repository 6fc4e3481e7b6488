// The agent binary is a headless room member for demos and soak
// testing: it joins a room, logs membership and document changes, and
// can find a relay over mDNS when no address is given.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabcanvas/collab"
	"collabcanvas/discovery"
	"collabcanvas/replica"
	"collabcanvas/transport"
)

func main() {
	relayURL := flag.String("relay", "", "relay base URL, e.g. ws://localhost:8081; empty means discover over mDNS")
	room := flag.String("room", "default", "room to join")
	name := flag.String("name", "agent", "display name for presence")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := *relayURL
	if url == "" {
		log.Info("no relay given, browsing mDNS")
		browseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		found, err := discovery.First(browseCtx)
		cancel()
		if err != nil {
			log.Error("no relay found", "error", err)
			os.Exit(1)
		}
		url = found.URL
		log.Info("discovered relay", "instance", found.Instance, "url", url)
	}

	session := collab.New(collab.Config{
		RelayURL: url,
		Room:     *room,
		Name:     *name,
		Logger:   log,
		Transport: transport.Config{
			MaxReconnectAttempts: transport.UnlimitedReconnects,
		},
	})

	session.OnConnectionChange(func(up bool) {
		log.Info("connection changed", "connected", up)
	})
	session.OnPresenceChange(func(users []replica.Entry) {
		log.Info("presence changed", "users", len(users))
	})
	session.OnDocumentChange(func() {
		log.Info("document changed", "shapes", len(session.Data("shapes")))
	})

	if err := session.Connect(ctx); err != nil {
		log.Error("connect failed", "error", err)
		os.Exit(1)
	}
	log.Info("joined room", "room", *room, "relay", url)

	<-ctx.Done()
	log.Info("leaving room")
	session.Disconnect()
}
