// Package telemetry publishes proxy session events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus    = "status"
	TopicSessions  = "sessions"
	TopicHandshake = "handshake"
	TopicPackets   = "packets"
	TopicCaptures  = "captures"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is switched off.
var ErrDisabled = errors.New("MQTT is disabled")

// Publisher is the part of mqtt.Client the handler uses.
type Publisher interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTHandler forwards bus events to MQTT as JSON.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   Publisher
	metadata map[string]interface{}
}

// NewMQTTHandler builds a handler with a paho client for cfg.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pso2proxy-" + sysInfo.Hostname
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	// broker clears the retained "online" status if we vanish
	opts.SetWill(prefix+"/"+TopicStatus, `{"online":false}`, 1, true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("client_id", clientID).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, eventBus, mqtt.NewClient(opts), sysInfo), nil
}

func newHandler(cfg config.MQTTConfig, bus *events.EventBus, client Publisher, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: bus,
		client:   client,
		metadata: map[string]interface{}{
			"hostname": sysInfo.Hostname,
			"os":       sysInfo.OS,
		},
	}
}

// Start connects, subscribes to the bus and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publish(TopicStatus, true, map[string]interface{}{"online": true})

	<-ctx.Done()

	h.unsubscribeEvents()
	h.publish(TopicStatus, true, map[string]interface{}{"online": false})
	h.client.Disconnect(2000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventSessionOpened, "mqtt", h.onSession)
	h.eventBus.Subscribe(events.EventSessionClosed, "mqtt", h.onSession)
	h.eventBus.Subscribe(events.EventHandshakeCompleted, "mqtt", h.onHandshake)
	h.eventBus.Subscribe(events.EventCaptureRemoved, "mqtt", h.onCaptureRemoved)
	if h.cfg.PublishPackets {
		h.eventBus.Subscribe(events.EventPacketRelayed, "mqtt", h.onPacket)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range []events.EventType{
		events.EventSessionOpened,
		events.EventSessionClosed,
		events.EventHandshakeCompleted,
		events.EventCaptureRemoved,
		events.EventPacketRelayed,
	} {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	return strings.TrimSuffix(h.cfg.TopicPrefix, "/") + "/" + suffix
}

func (h *MQTTHandler) publish(suffix string, retained bool, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onSession(ctx context.Context, event events.Event) error {
	h.publish(TopicSessions, false, map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onHandshake(ctx context.Context, event events.Event) error {
	h.publish(TopicHandshake, false, event.Payload)
	return nil
}

func (h *MQTTHandler) onPacket(ctx context.Context, event events.Event) error {
	h.publish(TopicPackets, false, event.Payload)
	return nil
}

func (h *MQTTHandler) onCaptureRemoved(ctx context.Context, event events.Event) error {
	h.publish(TopicCaptures, false, event.Payload)
	return nil
}
