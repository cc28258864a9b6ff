// Package hdp publishes harmony state, events and discovery to the homenavi
// device protocol topics.
package hdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/model"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/mqtt"
)

const (
	Schema              = "hdp.v1"
	Protocol            = "harmony"
	MetadataPrefix      = "homenavi/hdp/device/metadata/"
	StatePrefix         = "homenavi/hdp/device/state/"
	EventPrefix         = "homenavi/hdp/device/event/"
	CommandPrefix       = "homenavi/hdp/device/command/"
	CommandResultPrefix = "homenavi/hdp/device/command_result/"
	AdapterHelloTopic   = "homenavi/hdp/adapter/hello"
	AdapterStatusPrefix = "homenavi/hdp/adapter/status/"

	EventPlatformDiscovered = "platform_discovered"

	// RemoteDeviceID receives key events pushed by the hub.
	RemoteDeviceID = Protocol + "/remote"
)

// StateStore remembers the last published state per entity.
type StateStore interface {
	Get(ctx context.Context, entityID string) ([]byte, error)
	Set(ctx context.Context, entityID string, stateJSON []byte) error
}

// Discovered is a hub device announced to the host.
type Discovered struct {
	DeviceID     string
	DisplayLabel string
	Manufacturer string
	Model        string
	Type         string
	Capabilities []model.Capability
}

type Publisher struct {
	client    mqtt.ClientAPI
	cache     StateStore
	adapterID string
	version   string
	now       func() time.Time
}

func NewPublisher(client mqtt.ClientAPI, cache StateStore, adapterID, version string) *Publisher {
	return &Publisher{client: client, cache: cache, adapterID: adapterID, version: version, now: time.Now}
}

// EntityDeviceID maps "harmony.watch_tv" to the HDP device id "harmony/watch_tv".
func EntityDeviceID(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i] + "/" + entityID[i+1:]
	}
	return Protocol + "/" + entityID
}

func DeviceDeviceID(harmonyDeviceID string) string {
	return Protocol + "/device/" + harmonyDeviceID
}

func (p *Publisher) ts() int64 { return p.now().UnixMilli() }

func (p *Publisher) publish(topic string, envelope map[string]any, retain bool) error {
	b, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", envelope["type"], err)
	}
	if err := p.client.PublishWith(topic, b, retain); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishState sets an activity entity to on or off.
func (p *Publisher) PublishState(ctx context.Context, entityID string, on bool) error {
	return p.publishSwitch(ctx, EntityDeviceID(entityID), entityID, on)
}

// PublishDeviceState sets the power switch of a hub device. Hub devices have
// no entity id, so the cache is keyed by the HDP device id.
func (p *Publisher) PublishDeviceState(ctx context.Context, harmonyDeviceID string, on bool) error {
	return p.publishSwitch(ctx, DeviceDeviceID(harmonyDeviceID), "", on)
}

func (p *Publisher) publishSwitch(ctx context.Context, deviceID, entityID string, on bool) error {
	cacheKey := entityID
	if cacheKey == "" {
		cacheKey = deviceID
	}
	value := "off"
	if on {
		value = "on"
	}
	state := map[string]any{"on": on, "state": value}
	stateJSON, _ := json.Marshal(state)

	if p.cache != nil {
		prev, err := p.cache.Get(ctx, cacheKey)
		if err != nil {
			slog.Debug("state cache read failed", "key", cacheKey, "error", err)
		} else if prev != nil && string(prev) != string(stateJSON) {
			slog.Info("harmony state changed", "device_id", deviceID, "state", value)
		}
	}

	envelope := map[string]any{
		"schema":    Schema,
		"type":      "state",
		"device_id": deviceID,
		"ts":        p.ts(),
		"state":     state,
	}
	if entityID != "" {
		envelope["entity_id"] = entityID
	}
	if err := p.publish(StatePrefix+deviceID, envelope, true); err != nil {
		return err
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, stateJSON); err != nil {
			slog.Debug("state cache write failed", "key", cacheKey, "error", err)
		}
	}
	return nil
}

func (p *Publisher) PublishEvent(ctx context.Context, deviceID, name string, data map[string]any) error {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("hdp event requires device id and name")
	}
	envelope := map[string]any{
		"schema":    Schema,
		"type":      "event",
		"device_id": deviceID,
		"event":     name,
		"ts":        p.ts(),
	}
	if len(data) > 0 {
		envelope["data"] = data
	}
	return p.publish(EventPrefix+deviceID, envelope, false)
}

// AnnounceDevice publishes retained metadata for a hub device and tells the
// host's switch platform about it.
func (p *Publisher) AnnounceDevice(ctx context.Context, dev Discovered) error {
	deviceID := DeviceDeviceID(dev.DeviceID)
	envelope := map[string]any{
		"schema":       Schema,
		"type":         "metadata",
		"device_id":    deviceID,
		"protocol":     Protocol,
		"name":         dev.DisplayLabel,
		"manufacturer": dev.Manufacturer,
		"model":        dev.Model,
		"description":  dev.Type,
		"ts":           p.ts(),
	}
	if len(dev.Capabilities) > 0 {
		envelope["capabilities"] = dev.Capabilities
	}
	if err := p.publish(MetadataPrefix+deviceID, envelope, true); err != nil {
		return err
	}
	return p.PublishEvent(ctx, deviceID, EventPlatformDiscovered, map[string]any{
		"service": "harmony.switch",
		"discovered": map[string]any{
			"device_id":     dev.DeviceID,
			"display_label": dev.DisplayLabel,
		},
	})
}

// AnnounceActivity publishes retained metadata for an activity entity.
func (p *Publisher) AnnounceActivity(ctx context.Context, entityID, label string) error {
	deviceID := EntityDeviceID(entityID)
	envelope := map[string]any{
		"schema":       Schema,
		"type":         "metadata",
		"device_id":    deviceID,
		"entity_id":    entityID,
		"protocol":     Protocol,
		"name":         label,
		"description":  "Harmony activity",
		"capabilities": []model.Capability{model.SwitchCapability(label)},
		"ts":           p.ts(),
	}
	return p.publish(MetadataPrefix+deviceID, envelope, true)
}

func (p *Publisher) PublishCommandResult(deviceID, corr string, success bool, status, errMsg string) error {
	if deviceID == "" || corr == "" {
		return nil
	}
	envelope := map[string]any{
		"schema":    Schema,
		"type":      "command_result",
		"device_id": deviceID,
		"corr":      corr,
		"success":   success,
		"ts":        p.ts(),
	}
	if status != "" {
		envelope["status"] = status
	}
	if errMsg != "" {
		envelope["error"] = errMsg
	}
	return p.publish(CommandResultPrefix+deviceID, envelope, false)
}

func (p *Publisher) PublishHello() error {
	envelope := map[string]any{
		"schema":      Schema,
		"type":        "hello",
		"adapter_id":  p.adapterID,
		"protocol":    Protocol,
		"version":     p.version,
		"hdp_version": "1.0",
		"features": map[string]any{
			"supports_ack":         true,
			"supports_correlation": true,
			"supports_batch_state": false,
		},
		"ts": p.ts(),
	}
	return p.publish(AdapterHelloTopic, envelope, false)
}

// StatusTopic is the retained adapter status topic.
func StatusTopic(adapterID string) string { return AdapterStatusPrefix + adapterID }

// StatusPayload encodes an adapter status envelope. It is also registered as
// the MQTT last will before a Publisher exists.
func StatusPayload(adapterID, version, status, reason string) []byte {
	b, _ := json.Marshal(map[string]any{
		"schema":     Schema,
		"type":       "status",
		"adapter_id": adapterID,
		"status":     status,
		"reason":     reason,
		"version":    version,
		"ts":         time.Now().UnixMilli(),
	})
	return b
}

func (p *Publisher) PublishStatus(status, reason string) error {
	if err := p.client.PublishWith(StatusTopic(p.adapterID), StatusPayload(p.adapterID, p.version, status, reason), true); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
