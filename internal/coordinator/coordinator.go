package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"binstatus-bridge/internal/ncp"
	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/zcl"
	"binstatus-bridge/internal/zcl/clusters"
)

// Config holds coordinator configuration.
type Config struct {
	// SendInterval is the minimum spacing of commands to one device.
	// Zero disables rate limiting.
	SendInterval time.Duration
	SendBurst    int
	// DisableDefaultResponse suppresses the device's Default Response to
	// successful commands. Failures are reported either way.
	DisableDefaultResponse bool
	// TimeZone is the zone served through the Time cluster. Nil means UTC.
	TimeZone *time.Location
}

// NCPConfig holds NCP hardware/port configuration for display purposes.
type NCPConfig struct {
	Type string
	Port string
	Baud int
}

// Coordinator sends vendor commands to displays and dispatches the frames
// they send back.
type Coordinator struct {
	ncp       ncp.NCP
	store     store.Store
	registry  *zcl.Registry
	deviceDB  *DeviceDB
	events    *EventBus
	devices   *DeviceManager
	logger    *slog.Logger
	config    Config
	ncpConfig NCPConfig
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Coordinator on top of an NCP backend.
func New(backend ncp.NCP, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, events *EventBus, cfg Config, ncpCfg NCPConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.UTC
	}
	c := &Coordinator{
		ncp:       backend,
		store:     st,
		registry:  registry,
		deviceDB:  deviceDB,
		events:    events,
		logger:    logger,
		config:    cfg,
		ncpConfig: ncpCfg,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.ncp.OnClusterCommand(c.handleClusterCommand)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start resets the NCP and brings the network up from its stored state.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP...")
	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}
	if err := c.ncp.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	c.logger.Info("network started", "schemas", c.registry.Len())
	c.events.Emit(Event{Type: EventNetworkState, Data: "started"})
	return nil
}

// Stop cancels the coordinator context.
func (c *Coordinator) Stop() {
	c.cancel()
	c.events.Emit(Event{Type: EventNetworkState, Data: "stopped"})
}

// EndpointClusters returns the input and output cluster lists the
// coordinator endpoint should advertise: the Time cluster it serves and
// every cluster the registry has commands for.
func EndpointClusters(registry *zcl.Registry) (in, out []uint16) {
	in = []uint16{clusters.TimeClusterID}
	seen := make(map[uint16]bool)
	for _, s := range registry.All() {
		if !seen[s.ClusterID] {
			seen[s.ClusterID] = true
			out = append(out, s.ClusterID)
		}
	}
	return in, out
}

// NetworkInfo returns NCP and configuration details for display.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	info := map[string]interface{}{
		"ncp_type":  c.ncpConfig.Type,
		"port":      c.ncpConfig.Port,
		"baud":      c.ncpConfig.Baud,
		"time_zone": c.config.TimeZone.String(),
		"schemas":   c.registry.Len(),
	}
	if ncpInfo := c.ncp.GetNCPInfo(); ncpInfo != nil {
		info["fw_version"] = ncpInfo.FWVersion
		info["stack_version"] = ncpInfo.StackVersion
		info["protocol_version"] = ncpInfo.ProtocolVersion
	}
	return info
}

// NCP returns the underlying NCP backend.
func (c *Coordinator) NCP() ncp.NCP {
	return c.ncp
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the command schema registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// DeviceDB returns the model definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}
