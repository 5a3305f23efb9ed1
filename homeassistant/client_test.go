package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/victorjacobs/go-duco/bridge"
	"go.uber.org/zap"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeMQTT struct {
	mu            sync.Mutex
	retained      map[string]string
	handlers      map[string]mqtt.MessageHandler
	subscriptions int
	publishErr    error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		retained: map[string]string{},
		handlers: map[string]mqtt.MessageHandler{},
	}
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return &fakeToken{err: f.publishErr}
	}
	switch p := payload.(type) {
	case string:
		f.retained[topic] = p
	case []byte:
		f.retained[topic] = string(p)
	}
	return &fakeToken{}
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	f.subscriptions++
	return &fakeToken{}
}

func (f *fakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return &fakeToken{}
}

func (f *fakeMQTT) get(topic string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retained[topic]
}

func (f *fakeMQTT) deliver(topic string, payload string) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	handler(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeSwitch struct {
	mu  sync.Mutex
	on  bool
	err error
	set []bool
}

func (s *fakeSwitch) Get() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on, nil
}

func (s *fakeSwitch) Set(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = append(s.set, on)
	if s.err != nil {
		return s.err
	}
	s.on = on
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeMQTT, *Store) {
	t.Helper()

	store, err := OpenStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	broker := newFakeMQTT()
	return NewClient(broker, store, zap.NewNop().Sugar()), broker, store
}

func testAccessory() bridge.Accessory {
	return bridge.Accessory{
		ID:     bridge.NewNodeIdentity("PS2017"),
		Serial: "PS2017",
		Model:  "BOX",
		Name:   "Duco",
		Host:   "192.168.1.20",
		Node:   1,
	}
}

func TestAttachPublishesDiscoveryConfig(t *testing.T) {
	client, broker, _ := newTestClient(t)
	acc := testAccessory()

	if _, err := client.Attach(acc, &fakeSwitch{}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	raw := broker.get("homeassistant/fan/" + string(acc.ID) + "/config")
	var cfg fanConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("decode config %q: %v", raw, err)
	}

	if cfg.UniqueId != "duco_"+string(acc.ID) || cfg.Name != "Duco" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.CommandTopic != "duco/"+string(acc.ID)+"/cmd" || cfg.StateTopic != "duco/"+string(acc.ID)+"/state" {
		t.Fatalf("unexpected topics %+v", cfg)
	}
	if cfg.Device.SerialNumber != "PS2017" || len(cfg.Device.Identifiers) != 1 {
		t.Fatalf("unexpected device %+v", cfg.Device)
	}
}

func TestUpdateRepublishesDiscoveryConfig(t *testing.T) {
	client, broker, _ := newTestClient(t)
	acc := testAccessory()

	if err := client.Update(acc); !errors.Is(err, bridge.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode before attach, got %v", err)
	}

	if _, err := client.Attach(acc, &fakeSwitch{}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	acc.Name = "Duco 2"
	acc.Model = "UCBAT"
	if err := client.Update(acc); err != nil {
		t.Fatalf("update: %v", err)
	}

	var cfg fanConfiguration
	raw := broker.get("homeassistant/fan/" + string(acc.ID) + "/config")
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("decode config %q: %v", raw, err)
	}
	if cfg.Name != "Duco 2" || cfg.Device.Name != "Duco 2" || cfg.Device.Model != "UCBAT" {
		t.Fatalf("expected renamed fan, got %+v", cfg)
	}
	if cfg.UniqueId != "duco_"+string(acc.ID) {
		t.Fatalf("expected unique id kept, got %v", cfg.UniqueId)
	}
}

func TestAttachFailsWhenBrokerRejects(t *testing.T) {
	client, broker, _ := newTestClient(t)
	broker.publishErr = errors.New("not connected")

	if _, err := client.Attach(testAccessory(), &fakeSwitch{}); err == nil {
		t.Fatalf("expected attach to fail")
	}
}

func TestObserverPublishesState(t *testing.T) {
	client, broker, store := newTestClient(t)
	acc := testAccessory()
	if err := client.Save(acc); err != nil {
		t.Fatalf("save: %v", err)
	}

	observer, err := client.Attach(acc, &fakeSwitch{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	observer.LevelChanged(true)
	if got := broker.get(stateTopic(acc.ID)); got != "ON" {
		t.Fatalf("expected ON, got %q", got)
	}
	if got := broker.get(availabilityTopic(acc.ID)); got != "online" {
		t.Fatalf("expected online, got %q", got)
	}
	if saved, _ := store.Get(acc.ID); saved.On == nil || !*saved.On {
		t.Fatalf("expected persisted on state, got %+v", saved)
	}

	observer.Unreachable()
	if got := broker.get(availabilityTopic(acc.ID)); got != "offline" {
		t.Fatalf("expected offline, got %q", got)
	}
	if got := broker.get(stateTopic(acc.ID)); got != "ON" {
		t.Fatalf("expected state to stay ON, got %q", got)
	}
}

func TestCommandsReachSwitch(t *testing.T) {
	client, broker, _ := newTestClient(t)
	acc := testAccessory()
	sw := &fakeSwitch{}

	if _, err := client.Attach(acc, sw); err != nil {
		t.Fatalf("attach: %v", err)
	}

	broker.deliver(commandTopic(acc.ID), "ON")
	waitFor(t, "state ON", func() bool { return broker.get(stateTopic(acc.ID)) == "ON" })

	broker.deliver(commandTopic(acc.ID), "bogus")
	broker.deliver(commandTopic(acc.ID), "OFF")
	waitFor(t, "state OFF", func() bool { return broker.get(stateTopic(acc.ID)) == "OFF" })

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.set) != 2 || !sw.set[0] || sw.set[1] {
		t.Fatalf("expected ON then OFF, got %v", sw.set)
	}
}

func TestFailedCommandRestoresState(t *testing.T) {
	client, broker, _ := newTestClient(t)
	acc := testAccessory()
	sw := &fakeSwitch{err: errors.New("timeout")}

	if _, err := client.Attach(acc, sw); err != nil {
		t.Fatalf("attach: %v", err)
	}

	broker.deliver(commandTopic(acc.ID), "ON")
	waitFor(t, "state restored", func() bool { return broker.get(stateTopic(acc.ID)) == "OFF" })
}

func TestDetachAndResubscribe(t *testing.T) {
	client, broker, _ := newTestClient(t)
	first := testAccessory()
	second := testAccessory()
	second.ID = bridge.NewNodeIdentity("PS2018")

	for _, acc := range []bridge.Accessory{first, second} {
		if _, err := client.Attach(acc, &fakeSwitch{}); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}

	client.Detach(first.ID)
	if got := broker.get(availabilityTopic(first.ID)); got != "offline" {
		t.Fatalf("expected offline after detach, got %q", got)
	}

	before := broker.subscriptions
	client.Resubscribe()
	if broker.subscriptions != before+1 {
		t.Fatalf("expected only the attached accessory to resubscribe, got %d new", broker.subscriptions-before)
	}
	if _, ok := broker.handlers[commandTopic(first.ID)]; ok {
		t.Fatalf("expected detached accessory to stay unsubscribed")
	}
}
