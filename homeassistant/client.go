package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/victorjacobs/go-duco/bridge"
	"github.com/victorjacobs/go-duco/config"
	"go.uber.org/zap"
)

const commandTimeout = 30 * time.Second

// mqttClient is the part of mqtt.Client the registry uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Client exposes DUCO nodes as Home Assistant fans through MQTT discovery.
type Client struct {
	mqtt  mqttClient
	store *Store
	log   *zap.SugaredLogger

	mutex    sync.Mutex
	attached map[bridge.NodeIdentity]bridge.Switch
}

func NewClient(mqtt mqttClient, store *Store, log *zap.SugaredLogger) *Client {
	return &Client{
		mqtt:     mqtt,
		store:    store,
		log:      log,
		attached: map[bridge.NodeIdentity]bridge.Switch{},
	}
}

func stateTopic(id bridge.NodeIdentity) string {
	return fmt.Sprintf("%v/%v/state", config.TopicPrefix, id)
}

func commandTopic(id bridge.NodeIdentity) string {
	return fmt.Sprintf("%v/%v/cmd", config.TopicPrefix, id)
}

func availabilityTopic(id bridge.NodeIdentity) string {
	return fmt.Sprintf("%v/%v/availability", config.TopicPrefix, id)
}

func (h *Client) Known(id bridge.NodeIdentity) (bridge.Accessory, bool) {
	return h.store.Get(id)
}

func (h *Client) Save(acc bridge.Accessory) error {
	return h.store.Put(acc)
}

// Attach registers the fan with Home Assistant and starts listening for
// commands.
func (h *Client) Attach(acc bridge.Accessory, sw bridge.Switch) (bridge.Observer, error) {
	if err := h.registerFan(acc); err != nil {
		return nil, fmt.Errorf("register fan: %w", err)
	}

	if err := h.subscribe(acc.ID, sw); err != nil {
		return nil, fmt.Errorf("subscribe to commands: %w", err)
	}

	h.mutex.Lock()
	h.attached[acc.ID] = sw
	h.mutex.Unlock()

	h.log.Infow("Registered fan", "id", acc.ID, "name", acc.Name)

	return &observer{client: h, id: acc.ID}, nil
}

// Update republishes the discovery config of an attached accessory so Home
// Assistant picks up a new name or model.
func (h *Client) Update(acc bridge.Accessory) error {
	h.mutex.Lock()
	_, ok := h.attached[acc.ID]
	h.mutex.Unlock()

	if !ok {
		return fmt.Errorf("%w: %v", bridge.ErrUnknownNode, acc.ID)
	}

	if err := h.registerFan(acc); err != nil {
		return fmt.Errorf("register fan: %w", err)
	}

	h.log.Infow("Updated fan", "id", acc.ID, "name", acc.Name, "model", acc.Model)
	return nil
}

func (h *Client) Detach(id bridge.NodeIdentity) {
	h.mutex.Lock()
	_, ok := h.attached[id]
	delete(h.attached, id)
	h.mutex.Unlock()

	if !ok {
		return
	}

	if t := h.mqtt.Unsubscribe(commandTopic(id)); t.Wait() && t.Error() != nil {
		h.log.Warnw("MQTT unsubscribe failed", "id", id, "error", t.Error())
	}
	h.publishAvailability(id, false)
}

// Resubscribe restores command subscriptions, call it from the MQTT connect
// handler.
func (h *Client) Resubscribe() {
	h.mutex.Lock()
	attached := make(map[bridge.NodeIdentity]bridge.Switch, len(h.attached))
	for id, sw := range h.attached {
		attached[id] = sw
	}
	h.mutex.Unlock()

	for id, sw := range attached {
		if err := h.subscribe(id, sw); err != nil {
			h.log.Errorw("MQTT receive error", "id", id, "error", err)
		}
	}
}

func (h *Client) registerFan(acc bridge.Accessory) error {
	fanConfiguration, _ := json.Marshal(fanConfiguration{
		UniqueId:          fmt.Sprintf("%v_%v", config.TopicPrefix, acc.ID),
		Name:              acc.Name,
		StateTopic:        stateTopic(acc.ID),
		CommandTopic:      commandTopic(acc.ID),
		AvailabilityTopic: availabilityTopic(acc.ID),
		Device: deviceConfiguration{
			Identifiers:  []string{string(acc.ID)},
			Name:         acc.Name,
			Manufacturer: "DUCO",
			Model:        acc.Model,
			SerialNumber: acc.Serial,
		},
	})

	configTopic := fmt.Sprintf("%v/fan/%v/config", config.HomeAssistantPrefix, acc.ID)

	if t := h.mqtt.Publish(configTopic, 0, true, fanConfiguration); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	return nil
}

func (h *Client) subscribe(id bridge.NodeIdentity, sw bridge.Switch) error {
	if t := h.mqtt.Subscribe(commandTopic(id), 0, func(client mqtt.Client, msg mqtt.Message) {
		var on bool
		switch command := string(msg.Payload()); command {
		case "ON":
			on = true
		case "OFF":
			on = false
		default:
			h.log.Warnw("Unexpected fan command", "id", id, "command", command)
			return
		}

		// Writes can take a while, don't hold up the MQTT router
		go h.set(id, sw, on)
	}); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	return nil
}

func (h *Client) set(id bridge.NodeIdentity, sw bridge.Switch, on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := sw.Set(ctx, on); err != nil {
		h.log.Errorw("Could not switch fan", "id", id, "on", on, "error", err)

		// Put the previous state back in front of Home Assistant
		if current, err := sw.Get(); err == nil {
			h.publishState(id, current)
		}
		return
	}

	h.publishState(id, on)
	h.persist(id, on)
}

func (h *Client) publishState(id bridge.NodeIdentity, on bool) {
	stateMessage := "OFF"
	if on {
		stateMessage = "ON"
	}

	if t := h.mqtt.Publish(stateTopic(id), 0, true, stateMessage); t.Wait() && t.Error() != nil {
		h.log.Warnw("MQTT publishing failed", "topic", stateTopic(id), "error", t.Error())
	}
}

func (h *Client) publishAvailability(id bridge.NodeIdentity, available bool) {
	availability := "offline"
	if available {
		availability = "online"
	}

	if t := h.mqtt.Publish(availabilityTopic(id), 0, true, availability); t.Wait() && t.Error() != nil {
		h.log.Warnw("MQTT publishing failed", "topic", availabilityTopic(id), "error", t.Error())
	}
}

func (h *Client) persist(id bridge.NodeIdentity, on bool) {
	if err := h.store.SetOn(id, on); err != nil {
		h.log.Warnw("Could not persist fan state", "id", id, "error", err)
	}
}

type observer struct {
	client *Client
	id     bridge.NodeIdentity
}

func (o *observer) LevelChanged(on bool) {
	o.client.publishAvailability(o.id, true)
	o.client.publishState(o.id, on)
	o.client.persist(o.id, on)
}

func (o *observer) Unreachable() {
	o.client.publishAvailability(o.id, false)
}
