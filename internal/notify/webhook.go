package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event names carried in the envelope.
const (
	EventQRChallenge      = "qr-challenge"
	EventConnectionStatus = "connection-status"
	EventInboundMessage   = "inbound-message"
)

// Envelope is the payload POSTed to the webhook endpoint and fanned out to
// the other sinks. Events are ephemeral: no retry, no queue, no ordering
// guarantee.
type Envelope struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// EndpointProvider yields the current webhook endpoint. Returning "" disables
// webhook delivery. Indirected so the endpoint can be hot-reloaded.
type EndpointProvider func() string

// Dispatcher forwards session events best-effort to the configured webhook
// endpoint, the optional MQTT publisher and any registered broadcaster
// (the WebSocket hub). Failures are logged and swallowed; they must never
// propagate back into message processing.
type Dispatcher struct {
	endpoint  EndpointProvider
	client    *http.Client
	mqtt      *MQTTPublisher
	broadcast func(Envelope)
}

// NewDispatcher creates a dispatcher. timeout bounds each webhook POST.
func NewDispatcher(endpoint EndpointProvider, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// SetMQTT attaches an MQTT publisher as a secondary sink.
func (d *Dispatcher) SetMQTT(pub *MQTTPublisher) {
	d.mqtt = pub
}

// SetBroadcaster attaches a local fan-out hook, called synchronously.
func (d *Dispatcher) SetBroadcaster(fn func(Envelope)) {
	d.broadcast = fn
}

// Emit dispatches one event. Fire-and-forget: the POST runs on its own
// goroutine and the caller never observes delivery failures.
func (d *Dispatcher) Emit(sessionID, event string, data map[string]any) {
	env := Envelope{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	if d.broadcast != nil {
		d.broadcast(env)
	}
	if d.mqtt != nil {
		d.mqtt.Publish(env)
	}

	url := ""
	if d.endpoint != nil {
		url = d.endpoint()
	}
	if url == "" {
		return
	}

	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Webhook] Failed to encode %s event: %v", event, err)
		return
	}

	go func() {
		resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("[Webhook] Delivery of %s for %s failed: %v", event, sessionID, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("[Webhook] Endpoint returned %d for %s event of %s", resp.StatusCode, event, sessionID)
		}
	}()
}
