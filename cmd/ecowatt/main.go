package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ecowatt/gateway/internal/cloud"
	"github.com/ecowatt/gateway/internal/cryptoutil"
	"github.com/ecowatt/gateway/internal/fota"
	"github.com/ecowatt/gateway/internal/gateway"
	"github.com/ecowatt/gateway/internal/inverter"
	"github.com/ecowatt/gateway/internal/samplebuf"
	"github.com/ecowatt/gateway/internal/scheduler"
	"github.com/ecowatt/gateway/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Inverter struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"inverter"`
	Cloud struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		UploadPSK   string `yaml:"upload_psk"`
		ManifestKey string `yaml:"manifest_key_path"`
		RootCA      string `yaml:"root_ca_path"`
	} `yaml:"cloud"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	FOTA struct {
		LogPath  string `yaml:"log_path"`
		SlotPath string `yaml:"slot_path"`
	} `yaml:"fota"`
	Buffer struct {
		FullPolicy string `yaml:"full_policy"` // "stop" | "circular"
	} `yaml:"buffer"`
	Status struct {
		Listen string `yaml:"listen"`
	} `yaml:"status"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Inverter.BaseURL == "" {
		return fmt.Errorf("inverter.base_url is required")
	}
	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url is required")
	}
	if c.Cloud.UploadPSK == "" {
		return fmt.Errorf("cloud.upload_psk is required")
	}
	if c.Cloud.ManifestKey == "" {
		return fmt.Errorf("cloud.manifest_key_path is required")
	}
	return nil
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ecowatt gateway starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	manifestKeyPEM, err := os.ReadFile(cfg.Cloud.ManifestKey)
	if err != nil {
		logger.Error("read manifest public key", "err", err)
		os.Exit(1)
	}
	manifestKey, err := cryptoutil.ParseECDSAPublicKeyPEM(manifestKeyPEM)
	if err != nil {
		logger.Error("parse manifest public key", "err", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	invClient := &inverter.HTTPClient{BaseURL: cfg.Inverter.BaseURL, APIKey: cfg.Inverter.APIKey, HTTP: httpClient}
	cloudClient := &cloud.HTTPClient{BaseURL: cfg.Cloud.BaseURL, APIKey: cfg.Cloud.APIKey, HTTP: httpClient}

	firmwareHTTP := httpClient
	if cfg.Cloud.RootCA != "" {
		pinned, err := pinnedRootCAClient(cfg.Cloud.RootCA)
		if err != nil {
			logger.Error("load pinned root CA", "err", err)
			os.Exit(1)
		}
		firmwareHTTP = pinned
	}

	policy := samplebuf.Stop
	if strings.EqualFold(cfg.Buffer.FullPolicy, "circular") {
		policy = samplebuf.Circular
	}

	gw, err := gateway.New(gateway.Options{
		Store:           db,
		Inverter:        invClient,
		Cloud:           cloudClient,
		FirmwareHTTP:    firmwareHTTP,
		UploadPSK:       cfg.Cloud.UploadPSK,
		ManifestKey:     manifestKey,
		FotaLogPath:     cfg.FOTA.LogPath,
		FotaBootSlot:    func(jobID uint32) (fota.BootSlot, error) { return fota.NewFileBootSlot(cfg.FOTA.SlotPath) },
		FirmwareVersion: version,
		BufferPolicy:    policy,
		Watchdog:        scheduler.NopWatchdog{},
		PowerManager:    nil,
		Log:             logger,
	})
	if err != nil {
		logger.Error("assemble gateway", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	statusServer := &http.Server{
		Addr:    cfg.Status.Listen,
		Handler: statusHandler(),
	}
	g.Go(func() error {
		logger.Info("status server starting", "addr", cfg.Status.Listen)
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})

	stopScheduler := make(chan struct{})
	g.Go(func() error {
		gw.Scheduler().Run(100*time.Millisecond, stopScheduler)
		return nil
	})

	<-gctx.Done()
	logger.Info("shutting down")
	close(stopScheduler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown", "err", err)
	}

	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("goodbye")
}

// pinnedRootCAClient builds an HTTP client whose TLS trust store is
// exactly the firmware distribution's pinned root CA, per §4.9: "over a
// TLS client with a pinned root CA."
func pinnedRootCAClient(caPath string) (*http.Client, error) {
	pemBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read root ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("parse root ca pem: no certificates found")
	}
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

func statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ecowatt.db"
	}
	if cfg.FOTA.LogPath == "" {
		cfg.FOTA.LogPath = "fota_log.json"
	}
	if cfg.FOTA.SlotPath == "" {
		cfg.FOTA.SlotPath = "fota_slot.bin"
	}
	if cfg.Status.Listen == "" {
		cfg.Status.Listen = "127.0.0.1:8090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
