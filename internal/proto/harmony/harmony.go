// Package harmony mirrors a Harmony hub's activities and devices into homenavi
// and executes host commands against the hub.
package harmony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/hub"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/hdp"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/model"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/mqtt"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/observability"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/proto/adapterutil"
)

const (
	// EntityPrefix is the host namespace of activity entities.
	EntityPrefix = "harmony."

	eventSyncTimeout = 30 * time.Second
)

type HubClient interface {
	Connect(ctx context.Context) error
	Lost() <-chan struct{}
	GetConfig(ctx context.Context) (*hub.Config, error)
	GetCurrentActivity(ctx context.Context) (string, error)
	StartActivity(ctx context.Context, activityID string) error
	SendCommand(ctx context.Context, deviceID, command string) error
}

// Host is the homenavi surface the adapter publishes to.
type Host interface {
	PublishState(ctx context.Context, entityID string, on bool) error
	PublishDeviceState(ctx context.Context, deviceID string, on bool) error
	AnnounceDevice(ctx context.Context, dev hdp.Discovered) error
	AnnounceActivity(ctx context.Context, entityID, label string) error
	PublishCommandResult(deviceID, corr string, success bool, status, errMsg string) error
	PublishHello() error
	PublishStatus(status, reason string) error
}

type DeviceRecorder interface {
	UpsertDevice(ctx context.Context, d *model.Device) error
	TouchOnline(ctx context.Context, protocol, externalID string) error
	SaveEntityState(ctx context.Context, entityID string, state json.RawMessage) error
}

type Activity struct {
	HarmonyID string `json:"harmony_id"`
	Label     string `json:"label"`
	Slug      string `json:"slug"`
	EntityID  string `json:"entity_id"`
	Active    bool   `json:"active"`
}

type Device struct {
	DeviceID     string `json:"device_id"`
	DisplayLabel string `json:"display_label"`
}

type Adapter struct {
	hub      HubClient
	host     Host
	recorder DeviceRecorder
	broker   mqtt.ClientAPI

	reconnect         bool
	retryInitial      time.Duration
	retryMax          time.Duration
	attemptTimeout    time.Duration
	heartbeatInterval time.Duration

	mu         sync.Mutex
	activities []Activity
	known      map[string]Device
	announced  map[string]bool

	ctx           context.Context
	cancel        context.CancelFunc
	subscriptions []string
	wg            sync.WaitGroup
}

type Option func(*Adapter)

func WithRecorder(r DeviceRecorder) Option {
	return func(a *Adapter) { a.recorder = r }
}

// WithBroker enables the HDP command subscription and adapter heartbeat.
func WithBroker(c mqtt.ClientAPI) Option {
	return func(a *Adapter) { a.broker = c }
}

func WithReconnect(enabled bool) Option {
	return func(a *Adapter) { a.reconnect = enabled }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.heartbeatInterval = d
		}
	}
}

func New(h HubClient, host Host, opts ...Option) *Adapter {
	a := &Adapter{
		hub:               h,
		host:              host,
		heartbeatInterval: 20 * time.Second,
		attemptTimeout:    defaultAttemptTimeout,
		known:             map[string]Device{},
		announced:         map[string]bool{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "harmony" }

// Slug lowercases a label and replaces spaces with underscores.
func Slug(label string) string {
	return strings.ToLower(strings.ReplaceAll(label, " ", "_"))
}

func EntityID(slug string) string { return EntityPrefix + slug }

// Synchronize reconciles activities and devices with the hub and publishes
// their state to the host.
func (a *Adapter) Synchronize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.synchronizeLocked(ctx)
	observability.SyncPasses.WithLabelValues(observability.ResultLabel(err)).Inc()
	return err
}

func (a *Adapter) synchronizeLocked(ctx context.Context) error {
	current, err := a.hub.GetCurrentActivity(ctx)
	if err != nil {
		return fmt.Errorf("synchronize: current activity: %w", err)
	}
	cfg, err := a.hub.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("synchronize: config: %w", err)
	}

	a.activities = buildActivities(cfg.Activities, current)
	for _, act := range a.activities {
		if !a.announced[act.EntityID] {
			if err := a.host.AnnounceActivity(ctx, act.EntityID, act.Label); err != nil {
				slog.Warn("harmony activity announce failed", "entity_id", act.EntityID, "error", err)
			} else {
				a.announced[act.EntityID] = true
			}
		}
		a.publishActivityState(ctx, act.EntityID, act.Active)
	}

	added := 0
	for _, d := range cfg.Devices {
		id := d.ID.String()
		if id == "" {
			continue
		}
		if _, ok := a.known[id]; ok {
			a.touchDevice(ctx, id)
			continue
		}
		dev := Device{DeviceID: id, DisplayLabel: d.Label}
		a.known[id] = dev
		added++
		a.recordDevice(ctx, d)
		err := a.host.AnnounceDevice(ctx, hdp.Discovered{
			DeviceID:     id,
			DisplayLabel: d.Label,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			Type:         d.Type,
			Capabilities: deviceCapabilities(),
		})
		if err != nil {
			slog.Warn("harmony device announce failed", "device_id", id, "error", err)
			continue
		}
		// Hub devices report no power state; new switches start as on.
		if err := a.host.PublishDeviceState(ctx, id, true); err != nil {
			slog.Warn("harmony device state publish failed", "device_id", id, "error", err)
		}
	}
	slog.Info("harmony synchronized", "current_activity", current, "activities", len(a.activities), "devices", len(a.known), "new_devices", added)
	return nil
}

// buildActivities drops the power-off activity and derives unique slugs. When
// two labels collide the later activity gets its hub id appended.
func buildActivities(cfg []hub.ConfigActivity, current string) []Activity {
	out := make([]Activity, 0, len(cfg))
	used := map[string]bool{}
	for _, ca := range cfg {
		id := ca.ID.String()
		if id == hub.PowerOffID {
			continue
		}
		slug := Slug(ca.Label)
		if used[slug] {
			unique := slug + "_" + Slug(id)
			slog.Warn("harmony activity slug collision", "label", ca.Label, "slug", slug, "using", unique)
			slug = unique
		}
		used[slug] = true
		out = append(out, Activity{
			HarmonyID: id,
			Label:     ca.Label,
			Slug:      slug,
			EntityID:  EntityID(slug),
			Active:    id == current,
		})
	}
	return out
}

func deviceCapabilities() []model.Capability {
	return []model.Capability{
		model.SwitchCapability("Power"),
		{
			ID:          "command",
			Name:        "Command",
			Kind:        "action",
			Property:    "command",
			ValueType:   "string",
			Access:      model.CapabilityAccess{Write: true},
			Description: "Send a named IR command",
		},
	}
}

func (a *Adapter) recordDevice(ctx context.Context, d hub.ConfigDevice) {
	if a.recorder == nil {
		return
	}
	caps, _ := json.Marshal(deviceCapabilities())
	dev := &model.Device{
		Protocol:     hdp.Protocol,
		ExternalID:   d.ID.String(),
		Name:         d.Label,
		Type:         d.Type,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Capabilities: datatypes.JSON(caps),
		Online:       true,
		LastSeen:     time.Now().UTC(),
	}
	adapterutil.SanitizeDeviceStrings(dev)
	if err := a.recorder.UpsertDevice(ctx, dev); err != nil {
		slog.Warn("harmony device record failed", "device_id", d.ID.String(), "error", err)
	}
}

func (a *Adapter) touchDevice(ctx context.Context, id string) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.TouchOnline(ctx, hdp.Protocol, id); err != nil {
		slog.Debug("harmony device touch failed", "device_id", id, "error", err)
	}
}

func (a *Adapter) publishActivityState(ctx context.Context, entityID string, on bool) {
	if err := a.host.PublishState(ctx, entityID, on); err != nil {
		slog.Warn("harmony state publish failed", "entity_id", entityID, "error", err)
		return
	}
	if a.recorder != nil {
		state, _ := json.Marshal(map[string]bool{"on": on})
		if err := a.recorder.SaveEntityState(ctx, entityID, state); err != nil {
			slog.Debug("harmony state record failed", "entity_id", entityID, "error", err)
		}
	}
}

// lookupLocked finds an activity by the local part of an entity id.
func (a *Adapter) lookupLocked(local string) (int, bool) {
	for i, act := range a.activities {
		if act.Slug == local {
			return i, true
		}
	}
	return -1, false
}

// HandleHubEvent re-synchronizes after the hub reports a finished activity start.
func (a *Adapter) HandleHubEvent(ev hub.Event) {
	if ev.Kind != hub.EventActivityStarted {
		return
	}
	slog.Info("harmony activity started", "activity_id", ev.ActivityID)
	ctx, cancel := context.WithTimeout(a.baseContext(), eventSyncTimeout)
	defer cancel()
	if err := a.Synchronize(ctx); err != nil {
		slog.Warn("harmony synchronize after event failed", "activity_id", ev.ActivityID, "error", err)
	}
}

func (a *Adapter) baseContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}

func (a *Adapter) Activities() []Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Activity(nil), a.activities...)
}

func (a *Adapter) Devices() []Device {
	a.mu.Lock()
	out := make([]Device, 0, len(a.known))
	for _, d := range a.known {
		out = append(out, d)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
