package harmony

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/apperrors"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/hdp"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/proto/adapterutil"
)

const (
	commandTopic   = hdp.CommandPrefix + hdp.Protocol + "/#"
	commandTimeout = 15 * time.Second
	devicePrefix   = hdp.Protocol + "/device/"
)

// Start announces the adapter, subscribes to HDP commands and, when enabled,
// supervises the hub session. The hub must already be connected and
// synchronized.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx, a.cancel = context.WithCancel(ctx)
	runCtx := a.ctx
	a.mu.Unlock()

	slog.Info("harmony adapter starting")
	if err := a.host.PublishHello(); err != nil {
		slog.Warn("hdp hello failed", "error", err)
	}
	if err := a.host.PublishStatus("starting", "initializing"); err != nil {
		slog.Warn("hdp status failed", "error", err)
	}
	if a.broker != nil {
		if err := a.subscribe(commandTopic, a.handleHDPCommand); err != nil {
			return err
		}
	}
	if err := a.host.PublishStatus("online", "healthy"); err != nil {
		slog.Warn("hdp status failed", "error", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeat(runCtx)
	}()
	if a.reconnect {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.supervise(runCtx)
		}()
	}
	slog.Info("harmony adapter started", "reconnect", a.reconnect)
	return nil
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	subs := a.subscriptions
	a.subscriptions = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, topic := range subs {
		if err := a.broker.Unsubscribe(topic); err != nil {
			slog.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	a.wg.Wait()
	_ = a.host.PublishStatus("offline", "shutdown")
}

func (a *Adapter) subscribe(topic string, handler paho.MessageHandler) error {
	if err := a.broker.Subscribe(topic, handler); err != nil {
		return err
	}
	a.mu.Lock()
	a.subscriptions = append(a.subscriptions, topic)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.host.PublishStatus("online", "heartbeat"); err != nil {
				slog.Debug("hdp heartbeat failed", "error", err)
			}
		}
	}
}

// handleHDPCommand runs off the MQTT callback goroutine since hub calls block.
func (a *Adapter) handleHDPCommand(_ paho.Client, m paho.Message) {
	topic := m.Topic()
	payload := append([]byte(nil), m.Payload()...)
	go a.ExecuteHDPCommand(topic, payload)
}

// ExecuteHDPCommand applies one HDP device command and reports the outcome
// when the sender asked for a correlation.
func (a *Adapter) ExecuteHDPCommand(topic string, payload []byte) {
	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		slog.Debug("hdp command decode failed", "topic", topic, "error", err)
		return
	}
	deviceID := adapterutil.StringField(envelope, "device_id")
	if deviceID == "" {
		deviceID = strings.TrimPrefix(topic, hdp.CommandPrefix)
	}
	if !strings.HasPrefix(deviceID, hdp.Protocol+"/") {
		return
	}
	corr := adapterutil.StringField(envelope, "corr")
	command := strings.ToLower(adapterutil.StringField(envelope, "command"))
	if command == "" {
		command = "set_state"
	}
	args := map[string]any{}
	if v, ok := envelope["args"].(map[string]any); ok {
		args = v
	} else if v, ok := envelope["state"].(map[string]any); ok {
		args = v
	}

	ctx, cancel := context.WithTimeout(a.baseContext(), commandTimeout)
	defer cancel()

	var err error
	status := "ok"
	if strings.HasPrefix(deviceID, devicePrefix) {
		err = a.deviceCommand(ctx, strings.TrimPrefix(deviceID, devicePrefix), command, args)
	} else {
		err = a.activityCommand(ctx, deviceID, command, args)
	}
	if errors.Is(err, errUnsupportedCommand) {
		slog.Debug("hdp command unsupported", "device_id", deviceID, "command", command)
		status = "unsupported"
	}
	slog.Info("hdp command", "device_id", deviceID, "command", command, "corr", corr, "success", err == nil)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if status == "ok" {
			status = "failed"
		}
	}
	if perr := a.host.PublishCommandResult(deviceID, corr, err == nil, status, errMsg); perr != nil {
		slog.Debug("hdp command result failed", "device_id", deviceID, "error", perr)
	}
}

var errUnsupportedCommand = errors.New("unsupported command")

func (a *Adapter) activityCommand(ctx context.Context, deviceID, command string, args map[string]any) error {
	ref := EntityRef{EntityPrefix + strings.TrimPrefix(deviceID, hdp.Protocol+"/")}
	switch command {
	case "turn_on":
		return a.TurnOn(ctx, ref)
	case "turn_off":
		return a.TurnOff(ctx, ref)
	case "set_state":
		on, ok := adapterutil.CoerceBool(args["on"])
		if !ok {
			on, ok = adapterutil.CoerceBool(args["state"])
		}
		if !ok {
			return apperrors.MalformedRequest("set_state requires on")
		}
		if on {
			return a.TurnOn(ctx, ref)
		}
		return a.TurnOff(ctx, ref)
	}
	return errUnsupportedCommand
}

func (a *Adapter) deviceCommand(ctx context.Context, id, command string, args map[string]any) error {
	switch command {
	case "set_state":
		on, ok := adapterutil.CoerceBool(args["on"])
		if !ok {
			on, ok = adapterutil.CoerceBool(args["state"])
		}
		if !ok {
			return apperrors.MalformedRequest("set_state requires on")
		}
		return a.SetDevicePower(ctx, id, on)
	case "send_command":
		return a.SendDeviceCommand(ctx, CommandRequest{EntityID: id, Command: adapterutil.StringField(args, "command")})
	}
	return errUnsupportedCommand
}
