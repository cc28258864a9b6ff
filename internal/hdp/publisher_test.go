package hdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/mqtt"
)

type published struct {
	topic   string
	payload []byte
	retain  bool
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeMQTT) Subscribe(topic string, cb mqtt.Handler) error { return nil }
func (f *fakeMQTT) Unsubscribe(topic string) error                 { return nil }
func (f *fakeMQTT) Publish(topic string, payload []byte) error {
	return f.PublishWith(topic, payload, false)
}
func (f *fakeMQTT) PublishWith(topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, payload: payload, retain: retain})
	return nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *memCache) Get(ctx context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[id], nil
}

func (c *memCache) Set(ctx context.Context, id string, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = b
	return nil
}

func newTestPublisher() (*Publisher, *fakeMQTT, *memCache) {
	client := &fakeMQTT{}
	cache := &memCache{m: map[string][]byte{}}
	p := NewPublisher(client, cache, "harmony-adapter", "test")
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p, client, cache
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

func TestPublishState(t *testing.T) {
	p, client, cache := newTestPublisher()
	if err := p.PublishState(context.Background(), "harmony.watch_tv", true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(client.msgs) != 1 {
		t.Fatalf("msgs=%d", len(client.msgs))
	}
	msg := client.msgs[0]
	if msg.topic != StatePrefix+"harmony/watch_tv" || !msg.retain {
		t.Fatalf("topic=%s retain=%v", msg.topic, msg.retain)
	}
	env := decode(t, msg.payload)
	if env["schema"] != Schema || env["type"] != "state" || env["entity_id"] != "harmony.watch_tv" {
		t.Fatalf("envelope=%v", env)
	}
	state := env["state"].(map[string]any)
	if state["on"] != true || state["state"] != "on" {
		t.Fatalf("state=%v", state)
	}
	if string(cache.m["harmony.watch_tv"]) != `{"on":true,"state":"on"}` {
		t.Fatalf("cache=%s", cache.m["harmony.watch_tv"])
	}
}

func TestPublishDeviceState(t *testing.T) {
	p, client, cache := newTestPublisher()
	if err := p.PublishDeviceState(context.Background(), "99", false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(client.msgs) != 1 {
		t.Fatalf("msgs=%d", len(client.msgs))
	}
	msg := client.msgs[0]
	if msg.topic != StatePrefix+"harmony/device/99" || !msg.retain {
		t.Fatalf("topic=%s retain=%v", msg.topic, msg.retain)
	}
	env := decode(t, msg.payload)
	if env["device_id"] != "harmony/device/99" {
		t.Fatalf("device_id=%v", env["device_id"])
	}
	if _, ok := env["entity_id"]; ok {
		t.Fatalf("device state must not carry an entity id: %v", env)
	}
	if state := env["state"].(map[string]any); state["on"] != false || state["state"] != "off" {
		t.Fatalf("state=%v", state)
	}
	if string(cache.m["harmony/device/99"]) != `{"on":false,"state":"off"}` {
		t.Fatalf("cache=%s", cache.m["harmony/device/99"])
	}
}

func TestPublishStateBrokerFailure(t *testing.T) {
	p, client, cache := newTestPublisher()
	client.err = errors.New("broker down")
	if err := p.PublishState(context.Background(), "harmony.x", false); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := cache.m["harmony.x"]; ok {
		t.Fatalf("cache must not record unpublished state")
	}
}

func TestAnnounceDevice(t *testing.T) {
	p, client, _ := newTestPublisher()
	err := p.AnnounceDevice(context.Background(), Discovered{DeviceID: "99", DisplayLabel: "TV", Manufacturer: "LG"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(client.msgs) != 2 {
		t.Fatalf("msgs=%d", len(client.msgs))
	}
	meta := client.msgs[0]
	if meta.topic != MetadataPrefix+"harmony/device/99" || !meta.retain {
		t.Fatalf("meta topic=%s", meta.topic)
	}
	ev := decode(t, client.msgs[1].payload)
	if client.msgs[1].topic != EventPrefix+"harmony/device/99" || ev["event"] != EventPlatformDiscovered {
		t.Fatalf("event=%v", ev)
	}
	discovered := ev["data"].(map[string]any)["discovered"].(map[string]any)
	if discovered["device_id"] != "99" || discovered["display_label"] != "TV" {
		t.Fatalf("discovered=%v", discovered)
	}
}

func TestPublishEventRequiresName(t *testing.T) {
	p, _, _ := newTestPublisher()
	if err := p.PublishEvent(context.Background(), RemoteDeviceID, "", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCommandResultSkipsWithoutCorrelation(t *testing.T) {
	p, client, _ := newTestPublisher()
	if err := p.PublishCommandResult("harmony/watch_tv", "", true, "ok", ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(client.msgs) != 0 {
		t.Fatalf("expected no publish")
	}
	if err := p.PublishCommandResult("harmony/watch_tv", "c1", false, "", "not found"); err != nil {
		t.Fatalf("result: %v", err)
	}
	env := decode(t, client.msgs[0].payload)
	if env["corr"] != "c1" || env["success"] != false || env["error"] != "not found" {
		t.Fatalf("env=%v", env)
	}
}

func TestEntityDeviceID(t *testing.T) {
	cases := map[string]string{
		"harmony.watch_tv": "harmony/watch_tv",
		"watch_tv":         "harmony/watch_tv",
		"harmony.a.b":      "harmony/a.b",
	}
	for in, want := range cases {
		if got := EntityDeviceID(in); got != want {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	p, client, _ := newTestPublisher()
	if err := p.PublishStatus("online", "healthy"); err != nil {
		t.Fatalf("status: %v", err)
	}
	msg := client.msgs[0]
	env := decode(t, msg.payload)
	if msg.topic != AdapterStatusPrefix+"harmony-adapter" || !msg.retain || env["status"] != "online" {
		t.Fatalf("msg=%s %v", msg.topic, env)
	}
}
