package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaywire/relay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.relaywire/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	wsPort := flag.Int("ws-port", -1, "WebSocket port (overrides config, 0 disables)")
	sshPort := flag.Int("ssh-port", -1, "SSH port (overrides config, 0 disables)")
	metricsPort := flag.Int("metrics-port", -1, "Metrics/health HTTP port (overrides config, 0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("RelayWire Server %s\n", Version)
		os.Exit(0)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *wsPort >= 0 {
		config.Server.WSPort = *wsPort
	}
	if *sshPort >= 0 {
		config.Server.SSHPort = *sshPort
	}
	if *metricsPort >= 0 {
		config.Server.MetricsPort = *metricsPort
	}

	srv := server.NewServer(config.ToServerConfig(), *configPath)
	srv.SetMetrics(server.NewMetrics())

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("RelayWire server %s started on %s", Version, srv.Addr())

	// Block until interrupted, then shut down cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("Received %v, shutting down", sig)
	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
