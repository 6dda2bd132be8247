package storage

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownSession means no channel session row binds the session id to
	// a tenant. Messages for unbound sessions are not persisted.
	ErrUnknownSession = errors.New("session is not bound to a tenant")
	// ErrNoLead means the sender phone number matched no lead of the tenant.
	ErrNoLead = errors.New("no lead matches sender")
)

// MessageRecord is one message handed to the writer for persistence.
type MessageRecord struct {
	SessionID         string
	ExternalMessageID string
	Direction         string // "inbound" or "outbound"
	SenderPhone       string
	Kind              string
	Text              string
	MediaURL          string
	RawPayload        string
	Timestamp         time.Time
}

// Writer persists messages into the tenant-scoped store. Session-to-tenant
// routes are cached after first lookup; lead matching runs per message.
type Writer struct {
	db *gorm.DB

	mu     sync.RWMutex
	routes map[string]route // sessionID -> tenant binding
}

type route struct {
	tenantID         string
	channelSessionID string
	channel          string
}

// NewWriter creates a writer on top of an opened store.
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{
		db:     db,
		routes: make(map[string]route),
	}
}

// Write persists rec. Duplicate provider message ids within the same tenant
// and channel are silently dropped. Returns ErrUnknownSession or ErrNoLead
// when routing fails; the caller decides whether that is fatal.
func (w *Writer) Write(rec MessageRecord) error {
	rt, err := w.resolveRoute(rec.SessionID)
	if err != nil {
		return err
	}

	leadID, err := w.matchLead(rt.tenantID, rec.SenderPhone)
	if err != nil {
		return err
	}

	createdAt := rec.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	msg := Message{
		ID:                uuid.New().String(),
		TenantID:          rt.tenantID,
		Channel:           rt.channel,
		ExternalMessageID: rec.ExternalMessageID,
		LeadID:            leadID,
		ChannelSessionID:  rt.channelSessionID,
		Direction:         rec.Direction,
		Kind:              rec.Kind,
		Text:              rec.Text,
		MediaURL:          rec.MediaURL,
		RawPayload:        rec.RawPayload,
		Status:            "received",
		CreatedAt:         createdAt,
	}
	if rec.Direction == "outbound" {
		msg.Status = "sent"
	}

	res := w.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&msg)
	if res.Error != nil {
		return fmt.Errorf("failed to persist message %s: %w", rec.ExternalMessageID, res.Error)
	}
	if res.RowsAffected == 0 {
		log.Printf("[Storage] Skipped duplicate message %s for tenant %s", rec.ExternalMessageID, rt.tenantID)
	}
	return nil
}

// resolveRoute maps a session id to its tenant binding, consulting the cache
// first. Unknown sessions are looked up every time so that a binding created
// later takes effect without a restart.
func (w *Writer) resolveRoute(sessionID string) (route, error) {
	w.mu.RLock()
	rt, ok := w.routes[sessionID]
	w.mu.RUnlock()
	if ok {
		return rt, nil
	}

	var cs ChannelSession
	err := w.db.Where("session_id = ?", sessionID).First(&cs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return route{}, ErrUnknownSession
	}
	if err != nil {
		return route{}, fmt.Errorf("failed to resolve session %s: %w", sessionID, err)
	}

	rt = route{tenantID: cs.TenantID, channelSessionID: cs.ID, channel: cs.Channel}
	w.mu.Lock()
	w.routes[sessionID] = rt
	w.mu.Unlock()
	return rt, nil
}

// matchLead finds the tenant's lead for phone: exact digit match first, then
// a suffix match on the last 10 digits to absorb country-code variance.
func (w *Writer) matchLead(tenantID, phone string) (string, error) {
	digits := NormalizeDigits(phone)
	if digits == "" {
		return "", ErrNoLead
	}

	var lead Lead
	err := w.db.Where("tenant_id = ? AND phone_digits = ?", tenantID, digits).First(&lead).Error
	if err == nil {
		return lead.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to match lead: %w", err)
	}

	if len(digits) > 10 {
		suffix := digits[len(digits)-10:]
		err = w.db.Where("tenant_id = ? AND phone_digits LIKE ?", tenantID, "%"+suffix).First(&lead).Error
		if err == nil {
			return lead.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to match lead: %w", err)
		}
	}
	return "", ErrNoLead
}

// NormalizeDigits strips everything but digits from a phone number or JID
// user part.
func NormalizeDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
