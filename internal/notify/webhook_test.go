package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitPostsEnvelope(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var env Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received <- env
	}))
	defer srv.Close()

	d := NewDispatcher(func() string { return srv.URL }, time.Second)
	d.Emit("acct-1", EventInboundMessage, map[string]any{"text": "hello"})

	select {
	case env := <-received:
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "acct-1", env.SessionID)
		assert.Equal(t, EventInboundMessage, env.Event)
		assert.Equal(t, "hello", env.Data["text"])
		assert.NotZero(t, env.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestEmitWithoutEndpointIsNoop(t *testing.T) {
	d := NewDispatcher(func() string { return "" }, time.Second)
	// Must not panic or block.
	d.Emit("acct-1", EventConnectionStatus, nil)
}

func TestEmitCallsBroadcasterSynchronously(t *testing.T) {
	var mu sync.Mutex
	var got []Envelope

	d := NewDispatcher(nil, time.Second)
	d.SetBroadcaster(func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	d.Emit("acct-1", EventQRChallenge, map[string]any{"code": "abc"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, EventQRChallenge, got[0].Event)
}

func TestEmitSurvivesFailingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(func() string { return srv.URL }, time.Second)
	d.Emit("acct-1", EventConnectionStatus, nil)
	// Delivery failure is logged, never surfaced.
	time.Sleep(100 * time.Millisecond)
}
