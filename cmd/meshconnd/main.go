// Command meshconnd is a thin demonstration daemon wiring identity,
// config, the bootstrap cache, and service discovery together, in the
// same flag-driven, single-file style as the teacher's own daemon
// entry points (talek/replica/main.go, talek/frontend/main.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	charmlog "github.com/charmbracelet/log"

	"github.com/duskline/meshconn/cache"
	"github.com/duskline/meshconn/config"
	"github.com/duskline/meshconn/discovery"
	"github.com/duskline/meshconn/identity"
)

func main() {
	var (
		configFile string
		dataDir    string
		logLevel   string
		passphrase string
	)
	flag.StringVar(&configFile, "config", "meshconn.toml", "path to meshconn TOML configuration")
	flag.StringVar(&dataDir, "data_dir", ".", "directory holding identity keys and the bootstrap cache")
	flag.StringVar(&logLevel, "log_level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&passphrase, "cache_passphrase", "", "optional passphrase encrypting the bootstrap cache at rest")
	flag.Parse()

	log := charmlog.NewWithOptions(os.Stderr, charmlog.Options{ReportTimestamp: true})
	level, err := charmlog.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshconnd: invalid log_level %q: %v\n", logLevel, err)
		os.Exit(1)
	}
	log.SetLevel(level)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}

	ours, err := identity.Load(
		filepath.Join(dataDir, "meshconn_sign.pem"),
		filepath.Join(dataDir, "meshconn_box.pem"),
	)
	if err != nil {
		log.Fatal("failed to load identity", "err", err)
	}
	log.Info("loaded identity", "id", ours.Public().String())

	var passBytes []byte
	if passphrase != "" {
		passBytes = []byte(passphrase)
	}
	bootstrapCache, err := cache.Open(filepath.Join(dataDir, cfg.BootstrapCacheName), passBytes, nil)
	if err != nil {
		log.Fatal("failed to open bootstrap cache", "err", err)
	}
	defer bootstrapCache.Close()

	contacts, err := cfg.ContactInfos()
	if err != nil {
		log.Fatal("failed to decode hard_coded_contacts", "err", err)
	}

	discServer, err := discovery.NewServer(ours, int(cfg.ServiceDiscoveryPort), contacts, log)
	if err != nil {
		log.Fatal("failed to start discovery server", "err", err)
	}
	defer discServer.Close()
	log.Info("discovery server listening", "port", discServer.Port())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")
}
