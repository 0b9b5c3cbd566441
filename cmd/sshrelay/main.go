// Package main is the entry point for the sshrelay server.
//
// It loads the TOML configuration, applies CLI flag overrides, prepares the
// host key and credential store, and serves SSH connections until the process
// receives SIGINT or SIGTERM. A small HTTP endpoint exposes Prometheus
// metrics and health checks alongside.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fango6/proxyproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sshrelay/internal/config"
	"sshrelay/internal/creds"
	"sshrelay/internal/hostkey"
	"sshrelay/internal/presence"
	"sshrelay/internal/relay"
)

var (
	configPath = flag.String("config", "sshrelay.toml", "path to configuration file")
	address    = flag.String("address", "", "address to bind to (overrides the config file)")
	port       = flag.Int("port", 0, "port number to listen on (overrides the config file)")
	debug      = flag.Bool("debug", false, "enable debug logs")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	if err := applyOverrides(cfg, *address, *port); err != nil {
		log.WithError(err).Fatal("invalid flags")
	}

	signer, err := hostkey.Load(cfg.HostKey)
	if err != nil {
		log.WithError(err).Fatal("load host key")
	}

	store := credentialStore(cfg)
	log.WithField("users", store.Len()).Info("credential store loaded")

	tracker := presence.Noop()
	if cfg.Presence.RedisAddr != "" {
		tracker, err = presence.NewRedis(cfg.Presence.RedisAddr, cfg.Presence.RedisPassword, cfg.Presence.RedisDB, log)
		if err != nil {
			log.WithError(err).Fatal("connect presence store")
		}
		log.WithField("addr", cfg.Presence.RedisAddr).Info("presence mirror enabled")
	}
	defer tracker.Close()

	srv := relay.NewServer(store, relay.NewRegistry(log), signer, tracker, log, relay.Options{
		PAMService: cfg.Auth.PAMService,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		log.WithError(err).WithField("addr", cfg.ListenAddr()).Fatal("listen")
	}
	if cfg.Listener.ProxyProtocol {
		ln = proxyproto.NewListener(ln)
	}

	go serveMetrics(cfg.Metrics.Addr, log)

	log.WithField("addr", cfg.ListenAddr()).Info("listening")
	if err := srv.Serve(ctx, ln); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("shutdown complete")
}

// applyOverrides applies the CLI flag overrides onto the loaded
// configuration. A port outside the TCP range is refused rather than
// truncated.
func applyOverrides(cfg *config.Config, address string, port int) error {
	if address != "" {
		cfg.Address = address
	}
	if port != 0 {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range (1-65535)", port)
		}
		cfg.Port = uint16(port)
	}
	return nil
}

// credentialStore converts the configured user table into the immutable store
// shared by every connection handler.
func credentialStore(cfg *config.Config) *creds.Store {
	specs := make(map[string]creds.UserSpec, len(cfg.Users))
	for name, u := range cfg.Users {
		specs[name] = creds.UserSpec{Password: u.Password, Fingerprints: u.Keys}
	}
	return creds.NewStore(specs)
}

// serveMetrics exposes Prometheus metrics and health endpoints.
func serveMetrics(addr string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).WithField("addr", addr).Error("metrics server")
	}
}
