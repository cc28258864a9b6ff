package harmony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/apperrors"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/hub"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/proto/adapterutil"
)

const (
	commandPowerOn  = "PowerOn"
	commandPowerOff = "PowerOff"
)

// EntityRef is one entity reference or a list of them; only the first is used.
type EntityRef []string

func (r *EntityRef) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*r = nil
		return nil
	}
	refs := adapterutil.StringSliceFromAny(raw)
	if refs == nil {
		if _, ok := raw.(string); !ok {
			if _, ok := raw.([]any); !ok {
				return fmt.Errorf("entity reference must be a string or a list of strings")
			}
		}
	}
	*r = refs
	return nil
}

func (r EntityRef) First() string {
	for _, ref := range r {
		if s := strings.TrimSpace(ref); s != "" {
			return s
		}
	}
	return ""
}

// Local returns the part of the first reference after its first '.', or the
// whole reference when it has none.
func (r EntityRef) Local() string {
	ref := r.First()
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

type CommandRequest struct {
	EntityID string `json:"entity_id"`
	Command  string `json:"command"`
}

// TurnOn starts the referenced activity and publishes it as on.
func (a *Adapter) TurnOn(ctx context.Context, ref EntityRef) error {
	if ref.First() == "" {
		slog.Warn("harmony turn_on without entity reference")
		return apperrors.MalformedRequest("entity_id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	local := ref.Local()
	i, ok := a.lookupLocked(local)
	if !ok {
		slog.Warn("harmony turn_on for unknown activity", "entity_id", ref.First())
		return apperrors.NotFound(fmt.Sprintf("no harmony activity %q", ref.First())).WithField("entity_id", ref.First())
	}
	act := a.activities[i]
	if err := a.hub.StartActivity(ctx, act.HarmonyID); err != nil {
		slog.Warn("harmony start activity failed", "entity_id", act.EntityID, "activity_id", act.HarmonyID, "error", err)
		return err
	}
	for j := range a.activities {
		a.activities[j].Active = j == i
	}
	a.publishActivityState(ctx, act.EntityID, true)
	slog.Info("harmony activity turned on", "entity_id", act.EntityID, "activity_id", act.HarmonyID)
	return nil
}

// TurnOff powers everything off. The referenced entity is published as off
// when it resolves; the power-off itself happens regardless.
func (a *Adapter) TurnOff(ctx context.Context, ref EntityRef) error {
	if ref.First() == "" {
		slog.Warn("harmony turn_off without entity reference")
		return apperrors.MalformedRequest("entity_id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.hub.StartActivity(ctx, hub.PowerOffID); err != nil {
		slog.Warn("harmony power off failed", "entity_id", ref.First(), "error", err)
		return err
	}
	i, ok := a.lookupLocked(ref.Local())
	if !ok {
		slog.Warn("harmony turn_off for unknown activity, state not published", "entity_id", ref.First())
		return nil
	}
	a.activities[i].Active = false
	a.publishActivityState(ctx, a.activities[i].EntityID, false)
	slog.Info("harmony activity turned off", "entity_id", a.activities[i].EntityID)
	return nil
}

// SendDeviceCommand forwards a named command to a hub device.
func (a *Adapter) SendDeviceCommand(ctx context.Context, req CommandRequest) error {
	deviceID := strings.TrimSpace(req.EntityID)
	command := strings.TrimSpace(req.Command)
	if deviceID == "" || command == "" {
		slog.Warn("harmony send_command missing fields", "entity_id", req.EntityID, "command", req.Command)
		return apperrors.MalformedRequest("entity_id and command are required")
	}
	if err := a.hub.SendCommand(ctx, req.EntityID, req.Command); err != nil {
		slog.Warn("harmony send_command failed", "device_id", req.EntityID, "command", req.Command, "error", err)
		return err
	}
	slog.Debug("harmony command sent", "device_id", req.EntityID, "command", req.Command)
	return nil
}

// SetDevicePower switches a discovered device with its power commands.
func (a *Adapter) SetDevicePower(ctx context.Context, deviceID string, on bool) error {
	a.mu.Lock()
	_, ok := a.known[deviceID]
	a.mu.Unlock()
	if !ok {
		slog.Warn("harmony power command for unknown device", "device_id", deviceID)
		return apperrors.NotFound(fmt.Sprintf("no harmony device %q", deviceID)).WithField("device_id", deviceID)
	}
	command := commandPowerOff
	if on {
		command = commandPowerOn
	}
	if err := a.SendDeviceCommand(ctx, CommandRequest{EntityID: deviceID, Command: command}); err != nil {
		return err
	}
	if err := a.host.PublishDeviceState(ctx, deviceID, on); err != nil {
		slog.Warn("harmony device state publish failed", "device_id", deviceID, "error", err)
	}
	return nil
}
