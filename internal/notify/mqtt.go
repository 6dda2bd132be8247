package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSettings is the broker configuration for the optional MQTT sink.
type MQTTSettings struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
}

// MQTTPublisher publishes event envelopes to wagate/events/<sessionId>.
// It is a secondary, best-effort sink: publish failures are logged only.
type MQTTPublisher struct {
	mu       sync.Mutex
	client   mqtt.Client
	settings MQTTSettings
}

// NewMQTTPublisher creates a publisher without connecting. Call Configure to
// connect; with an empty broker URL the publisher stays idle.
func NewMQTTPublisher() *MQTTPublisher {
	return &MQTTPublisher{}
}

// Configure (re)connects to the broker described by settings. Called at
// startup and again whenever the config file is hot-reloaded.
func (p *MQTTPublisher) Configure(settings MQTTSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if settings == p.settings && p.client != nil {
		return
	}
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(500)
		p.client = nil
	}
	p.settings = settings

	if settings.BrokerURL == "" {
		return
	}

	clientID := settings.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("wagate-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(settings.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("[MQTT] Connected to %s", settings.BrokerURL)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[MQTT] Connection lost: %v", err)
		})
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
	}
	if settings.Password != "" {
		opts.SetPassword(settings.Password)
	}

	client := mqtt.NewClient(opts)
	log.Printf("[MQTT] Connecting to %s...", settings.BrokerURL)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Connection failed: %v", token.Error())
	}
	p.client = client
}

// Publish sends env to the broker if connected.
func (p *MQTTPublisher) Publish(env Envelope) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("[MQTT] Failed to encode %s event: %v", env.Event, err)
		return
	}
	topic := "wagate/events/" + env.SessionID
	token := client.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// Stop disconnects from the broker.
func (p *MQTTPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.client = nil
}
