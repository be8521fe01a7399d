package sensor

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTOptions configures the broker connection
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	MaxAge   time.Duration
}

// MQTTHub subscribes to sensor topics on one broker and keeps the newest
// sample per topic. Subscriptions are renewed on every (re)connect.
type MQTTHub struct {
	client mqtt.Client
	maxAge time.Duration
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]*latest
}

type mqttPayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// NewMQTTHub creates a hub; call Sensor for each topic, then Connect
func NewMQTTHub(opts MQTTOptions, logger *zap.Logger) *MQTTHub {
	h := &MQTTHub{
		maxAge: opts.MaxAge,
		logger: logger,
		topics: make(map[string]*latest),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if strings.HasPrefix(opts.Broker, "ssl://") || strings.HasPrefix(opts.Broker, "wss://") {
		co.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetOnConnectHandler(func(c mqtt.Client) { h.subscribeAll(c) })
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	h.client = mqtt.NewClient(co)
	return h
}

// Sensor registers topic and returns a Sensor serving its latest message
func (h *MQTTHub) Sensor(topic string) Sensor {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.topics[topic]; ok {
		return l
	}
	l := newLatest(h.maxAge)
	h.topics[topic] = l
	return l
}

// Connect connects to the broker; subscriptions follow from the connect handler
func (h *MQTTHub) Connect() error {
	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Disconnect closes the broker connection
func (h *MQTTHub) Disconnect() {
	h.client.Disconnect(250)
}

func (h *MQTTHub) subscribeAll(c mqtt.Client) {
	h.mu.RLock()
	topics := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		topics = append(topics, topic)
	}
	h.mu.RUnlock()

	for _, topic := range topics {
		token := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			h.handle(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			h.logger.Error("failed to subscribe", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		h.logger.Info("subscribed to sensor topic", zap.String("topic", topic))
	}
}

func (h *MQTTHub) handle(topic string, payload []byte) {
	h.mu.RLock()
	l, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return
	}

	s, err := DecodeMQTTPayload(payload)
	if err != nil {
		h.logger.Warn("ignoring sensor message", zap.String("topic", topic), zap.Error(err))
		return
	}
	l.store(s)
}

// DecodeMQTTPayload parses {"temperature": <°C>, "humidity": <%>}
func DecodeMQTTPayload(payload []byte) (Sample, error) {
	var p mqttPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Sample{}, fmt.Errorf("invalid sensor payload: %w", err)
	}
	if p.Temperature == nil || p.Humidity == nil {
		return Sample{}, fmt.Errorf("sensor payload must carry temperature and humidity")
	}
	return Sample{TemperatureCelsius: *p.Temperature, HumidityPercent: *p.Humidity}, nil
}
