package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/expose"
	"binstatus-bridge/internal/ncp"
	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/web"
	"binstatus-bridge/internal/zcl"
	"binstatus-bridge/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// DeviceConfig declares a display to address. Devices listed here are
// (re)written to the store on every start.
type DeviceConfig struct {
	Name         string `yaml:"name"`
	IEEE         string `yaml:"ieee"`
	ShortAddress uint16 `yaml:"short_address"`
	Endpoint     uint8  `yaml:"endpoint"`
	Model        string `yaml:"model"`
}

type Config struct {
	NCP struct {
		Type string `yaml:"type"` // "nrf52840"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"ncp"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Automation struct {
		Interval string `yaml:"interval"`
	} `yaml:"automation"`
	Dispatch struct {
		Rate                   float64 `yaml:"rate"` // commands per second per device, 0 = unlimited
		Burst                  int     `yaml:"burst"`
		DisableDefaultResponse bool    `yaml:"disable_default_response"`
	} `yaml:"dispatch"`
	Time struct {
		Zone string `yaml:"zone"`
	} `yaml:"time"`
	DevicesDir string         `yaml:"devices_dir"`
	ScriptsDir string         `yaml:"scripts_dir"`
	Devices    []DeviceConfig `yaml:"devices"`

	automationInterval time.Duration
	location           *time.Location
}

func (c *Config) validate() error {
	if c.NCP.Port == "" {
		return fmt.Errorf("ncp.port is required")
	}
	if c.Dispatch.Rate < 0 {
		return fmt.Errorf("dispatch.rate must not be negative, got %v", c.Dispatch.Rate)
	}
	if c.Dispatch.Burst < 0 {
		return fmt.Errorf("dispatch.burst must not be negative, got %d", c.Dispatch.Burst)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	d, err := time.ParseDuration(c.Automation.Interval)
	if err != nil {
		return fmt.Errorf("automation.interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("automation.interval must be positive, got %s", d)
	}
	c.automationInterval = d

	loc, err := time.LoadLocation(c.Time.Zone)
	if err != nil {
		return fmt.Errorf("time.zone: %w", err)
	}
	c.location = loc

	names := make(map[string]bool)
	ieees := make(map[string]bool)
	for i, d := range c.Devices {
		ieee, err := store.NormalizeIEEE(d.IEEE)
		if err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if ieees[ieee] {
			return fmt.Errorf("devices[%d]: duplicate ieee %s", i, ieee)
		}
		ieees[ieee] = true
		if d.ShortAddress == 0x0000 || d.ShortAddress >= 0xFFF8 {
			return fmt.Errorf("devices[%d]: short_address 0x%04X is not a device address", i, d.ShortAddress)
		}
		if d.Name != "" {
			if names[d.Name] {
				return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
			}
			names[d.Name] = true
		}
	}
	return nil
}

// sendInterval converts dispatch.rate to the minimum spacing of commands.
func (c *Config) sendInterval() time.Duration {
	if c.Dispatch.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Dispatch.Rate)
}

func main() {
	// Temporary logger for config loading errors.
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

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("binstatus-bridge starting", "version", version)

	// Command schemas: built-in, then any from the devices directory.
	registry := zcl.NewRegistry(logger)
	if err := clusters.RegisterBuiltin(registry); err != nil {
		logger.Error("register built-in schemas", "err", err)
		os.Exit(1)
	}
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}
	registry.Freeze()
	logger.Info("command registry initialized", "schemas", registry.Len(), "models", deviceDB.Len())

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create NCP backend based on config
	backend, err := createNCP(cfg, registry, logger)
	if err != nil {
		logger.Error("create NCP backend", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(backend, db, registry, deviceDB, events, coordinator.Config{
		SendInterval:           cfg.sendInterval(),
		SendBurst:              cfg.Dispatch.Burst,
		DisableDefaultResponse: cfg.Dispatch.DisableDefaultResponse,
		TimeZone:               cfg.location,
	}, coordinator.NCPConfig{
		Type: cfg.NCP.Type,
		Port: cfg.NCP.Port,
		Baud: cfg.NCP.Baud,
	}, logger)

	if err := seedDevices(coord, cfg.Devices); err != nil {
		logger.Error("seed devices", "err", err)
		os.Exit(1)
	}

	// Start coordinator
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		backend.Close()
		os.Exit(1)
	}
	cancel()

	validator := expose.NewValidator()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, validator, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, validator, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func createNCP(cfg *Config, registry *zcl.Registry, logger *slog.Logger) (ncp.NCP, error) {
	switch cfg.NCP.Type {
	case "nrf52840", "":
		logger.Info("using nRF52840 NCP (ZBOSS/HDLC)", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)
		n, err := ncp.NewNRF52840NCP(cfg.NCP.Port, cfg.NCP.Baud, logger)
		if err != nil {
			return nil, err
		}
		n.SetEndpointClusters(coordinator.EndpointClusters(registry))
		return n, nil
	default:
		return nil, fmt.Errorf("unknown NCP type: %q (supported: nrf52840)", cfg.NCP.Type)
	}
}

// seedDevices writes the configured devices to the store. Fields the
// config leaves empty keep their stored value.
func seedDevices(coord *coordinator.Coordinator, devices []DeviceConfig) error {
	for _, d := range devices {
		ieee, err := store.NormalizeIEEE(d.IEEE)
		if err != nil {
			return err
		}
		dev, err := coord.Store().GetDevice(ieee)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			dev = &store.Device{IEEEAddress: ieee}
		}
		dev.ShortAddress = d.ShortAddress
		if d.Name != "" {
			dev.FriendlyName = d.Name
		}
		if d.Endpoint != 0 {
			dev.Endpoint = d.Endpoint
		}
		if d.Model != "" {
			dev.Model = d.Model
		}
		if err := coord.Devices().SaveDevice(dev); err != nil {
			return fmt.Errorf("device %s: %w", ieee, err)
		}
	}
	return nil
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
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "binstatus.db"
	}
	if cfg.NCP.Baud == 0 {
		cfg.NCP.Baud = 460800
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "binstatus"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "binstatus-bridge"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Automation.Interval == "" {
		cfg.Automation.Interval = "1h"
	}
	if cfg.Time.Zone == "" {
		cfg.Time.Zone = "Local"
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
