package storage

import (
	"time"
)

// Tenant is one customer account owning leads and channel sessions.
type Tenant struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Lead is a contact belonging to a tenant. PhoneDigits is the phone number
// reduced to digits only; inbound sender matching runs against it.
type Lead struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"index" json:"tenant_id"`
	Name        string    `json:"name"`
	PhoneDigits string    `gorm:"index" json:"phone_digits"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChannelSession binds a connection-layer session id to a tenant and channel.
// One session serves exactly one tenant.
type ChannelSession struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"index" json:"tenant_id"`
	Channel   string    `json:"channel"` // "whatsapp"
	SessionID string    `gorm:"uniqueIndex" json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted inbound or outbound message. The composite unique
// index makes writes idempotent per provider message id within a tenant and
// channel.
type Message struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	TenantID          string    `gorm:"uniqueIndex:ux_tenant_channel_ext" json:"tenant_id"`
	Channel           string    `gorm:"uniqueIndex:ux_tenant_channel_ext" json:"channel"`
	ExternalMessageID string    `gorm:"uniqueIndex:ux_tenant_channel_ext" json:"external_message_id"`
	LeadID            string    `gorm:"index" json:"lead_id"`
	ChannelSessionID  string    `gorm:"index" json:"channel_session_id"`
	Direction         string    `json:"direction"` // "inbound" or "outbound"
	Kind              string    `json:"kind"`
	Text              string    `json:"text"`
	MediaURL          string    `json:"media_url"`
	RawPayload        string    `json:"raw_payload"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}
