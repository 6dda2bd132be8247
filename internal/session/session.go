package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/leadflowhq/wagate/internal/media"
	"github.com/leadflowhq/wagate/internal/notify"
	"github.com/leadflowhq/wagate/internal/storage"
)

// State is the connection lifecycle state of one session.
type State string

const (
	StateCreated         State = "created"
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateReconnecting    State = "reconnecting"
	StateLoggedOut       State = "logged_out"
	StateFailed          State = "failed"
)

// ErrNotConnected is returned by Send when the session has no live connection.
var ErrNotConnected = errors.New("session is not connected")

const reconnectDelay = 5 * time.Second

// EventSink receives session lifecycle and message events. Satisfied by
// *notify.Dispatcher.
type EventSink interface {
	Emit(sessionID, event string, data map[string]any)
}

// MessageWriter persists inbound and outbound messages to the lead store.
type MessageWriter interface {
	Write(rec storage.MessageRecord) error
}

// MediaCapturer stores a message's attachment and returns its URL.
type MediaCapturer interface {
	Capture(ctx context.Context, dl media.Downloader, msgID string, msg *waE2E.Message) (string, error)
}

// Options carries the collaborators shared by all sessions of a registry.
type Options struct {
	BaseDir           string // per-session credential dirs live under here
	DedupTTL          time.Duration
	MaxCachedMessages int
	Sink              EventSink
	Writer            MessageWriter
	Media             MediaCapturer
}

// Info is a point-in-time snapshot of a session's externally visible state.
type Info struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	JID       string `json:"jid,omitempty"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// Session owns one WhatsApp account connection: its credential directory, its
// client, its conversation cache and its lifecycle state.
type Session struct {
	ID string

	opts  Options
	cache *ConversationCache
	dedup *Deduplicator

	mu          sync.Mutex
	state       State
	lastErr     error
	pairingCode string
	client      *whatsmeow.Client
	container   *sqlstore.Container
	closed      bool

	// credMu serializes credential saves; whatsmeow fires save-worthy events
	// from multiple goroutines.
	credMu sync.Mutex

	// reinit is the recovery step run after a transient connection loss.
	// Overridable in tests.
	reinit func()
}

// New creates a session in the created state. Initialize performs the actual
// connection work.
func New(id string, opts Options) *Session {
	s := &Session{
		ID:    id,
		opts:  opts,
		cache: NewConversationCache(opts.MaxCachedMessages),
		dedup: NewDeduplicator(opts.DedupTTL),
		state: StateCreated,
	}
	s.reinit = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Initialize(ctx); err != nil {
			log.Printf("[Session %s] Re-initialization failed: %v", s.ID, err)
		}
	}
	return s
}

// Dir returns the session's credential directory.
func (s *Session) Dir() string {
	return filepath.Join(s.opts.BaseDir, s.ID)
}

// Initialize opens the credential store, builds the client and connects.
// Sessions without stored credentials enter awaiting_pairing and stream QR
// challenges; sessions with credentials proceed towards connected.
func (s *Session) Initialize(ctx context.Context) error {
	s.setState(StateInitializing, nil)

	if err := s.initialize(ctx); err != nil {
		s.setState(StateFailed, err)
		return err
	}
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	container, err := s.openContainer(ctx)
	if err != nil {
		return err
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "WARN", true)
	client := whatsmeow.NewClient(deviceStore, clientLog)
	client.EnableAutoReconnect = false
	client.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if client.Store.ID == nil {
		log.Printf("[Session %s] No credentials found, starting pairing", s.ID)
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go s.consumeQRChannel(qrChan)
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// openContainer returns the session's credential store, opening it on first
// use. Re-initialization after a disconnect reuses the existing container so
// reconnect cycles don't strand open sqlite handles.
func (s *Session) openContainer(ctx context.Context) (*sqlstore.Container, error) {
	s.mu.Lock()
	if s.container != nil {
		container := s.container
		s.mu.Unlock()
		return container, nil
	}
	s.mu.Unlock()

	dir := s.Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	dbPath := filepath.Join(dir, "session.db")
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	s.mu.Lock()
	s.container = container
	s.mu.Unlock()
	return container, nil
}

// closeContainer releases the credential store's database handles.
func (s *Session) closeContainer() {
	s.mu.Lock()
	container := s.container
	s.container = nil
	s.mu.Unlock()
	if container == nil {
		return
	}
	if err := container.Close(); err != nil {
		log.Printf("[Session %s] Failed to close credential store: %v", s.ID, err)
	}
}

// consumeQRChannel forwards QR codes to the sink until pairing settles.
func (s *Session) consumeQRChannel(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			s.mu.Lock()
			s.state = StateAwaitingPairing
			s.pairingCode = evt.Code
			s.mu.Unlock()
			s.emit(notify.EventQRChallenge, map[string]any{
				"code": evt.Code,
			})
		case "success":
			log.Printf("[Session %s] Pairing succeeded", s.ID)
			s.mu.Lock()
			s.pairingCode = ""
			s.mu.Unlock()
		default:
			log.Printf("[Session %s] Pairing event: %s", s.ID, evt.Event)
			s.mu.Lock()
			s.pairingCode = ""
			s.mu.Unlock()
		}
	}
}

func (s *Session) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		log.Printf("[Session %s] Connected to WhatsApp", s.ID)
		s.mu.Lock()
		s.state = StateConnected
		s.lastErr = nil
		s.pairingCode = ""
		s.mu.Unlock()
		s.saveCredentials()
		s.emitStatus()
	case *events.PairSuccess:
		log.Printf("[Session %s] Paired as %s", s.ID, e.ID)
		s.saveCredentials()
	case *events.AppStateSyncComplete:
		s.saveCredentials()
	case *events.Disconnected:
		log.Printf("[Session %s] Disconnected from WhatsApp", s.ID)
		s.transitionReconnect()
	case *events.StreamReplaced:
		log.Printf("[Session %s] Stream replaced by another client", s.ID)
		s.transitionReconnect()
	case *events.ConnectFailure:
		if e.Reason == events.ConnectFailureLoggedOut {
			s.handleLoggedOut()
			return
		}
		log.Printf("[Session %s] Connection failure: %s", s.ID, e.Reason)
		s.transitionReconnect()
	case *events.LoggedOut:
		s.handleLoggedOut()
	case *events.KeepAliveTimeout:
		log.Printf("[Session %s] Keepalive timeout (%d errors)", s.ID, e.ErrorCount)
	case *events.TemporaryBan:
		log.Printf("[Session %s] Temporarily banned: %s (expires in %s)", s.ID, e.Code, e.Expire)
	case *events.Message:
		s.handleMessage(e)
	case *events.HistorySync:
		s.handleHistorySync(e)
	case *events.PushName:
		key := ResolveConversationKey(e.JID, types.EmptyJID)
		s.cache.UpdateChat(key, false, func(c *ChatSummary) {
			c.Name = e.NewPushName
		})
	case *events.Archive:
		key := ResolveConversationKey(e.JID, types.EmptyJID)
		s.cache.UpdateChat(key, false, func(c *ChatSummary) {
			c.Archived = e.Action.GetArchived()
		})
	case *events.Mute:
		key := ResolveConversationKey(e.JID, types.EmptyJID)
		s.cache.UpdateChat(key, false, func(c *ChatSummary) {
			if e.Action.GetMuted() {
				c.MutedUntil = e.Action.GetMuteEndTimestamp()
			} else {
				c.MutedUntil = 0
			}
		})
	case *events.MarkChatAsRead:
		key := ResolveConversationKey(e.JID, types.EmptyJID)
		s.cache.UpdateChat(key, false, func(c *ChatSummary) {
			if e.Action.GetRead() {
				c.UnreadCount = 0
			}
		})
	case *events.DeleteChat:
		s.cache.DeleteChat(ResolveConversationKey(e.JID, types.EmptyJID))
	}
}

// handleLoggedOut is terminal: the remote end revoked this device, so the
// stored credentials are worthless and get discarded.
func (s *Session) handleLoggedOut() {
	log.Printf("[Session %s] Logged out remotely, discarding credentials", s.ID)

	s.mu.Lock()
	client := s.client
	s.closed = true
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	s.closeContainer()
	if err := os.RemoveAll(s.Dir()); err != nil {
		log.Printf("[Session %s] Failed to remove credential directory: %v", s.ID, err)
	}
	s.setState(StateLoggedOut, nil)
	s.emitStatus()
}

// transitionReconnect moves the session to reconnecting and re-runs the full
// initialization after a short pause. Auto-reconnect is disabled on the
// client, making this the only recovery path, and recovery is observable as
// a state transition rather than a hidden retry.
func (s *Session) transitionReconnect() {
	s.mu.Lock()
	if s.closed || s.state == StateReconnecting || s.state == StateLoggedOut {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	client := s.client
	s.mu.Unlock()
	s.emitStatus()

	go func() {
		if client != nil {
			client.Disconnect()
		}
		time.Sleep(reconnectDelay)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.reinit()
	}()
}

// saveCredentials flushes the device store. Saves are serialized because the
// triggering events arrive concurrently.
func (s *Session) saveCredentials() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || client.Store.ID == nil {
		return
	}

	s.credMu.Lock()
	defer s.credMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Store.Save(ctx); err != nil {
		log.Printf("[Session %s] Failed to save credentials: %v", s.ID, err)
	}
}

func (s *Session) handleMessage(evt *events.Message) {
	info := evt.Info
	if info.IsFromMe {
		return
	}
	if info.Chat.Server != types.DefaultUserServer && info.Chat.Server != types.HiddenUserServer {
		// Groups, broadcast and newsletter chats are out of scope.
		return
	}

	content := ExtractContent(evt.Message)
	if !content.HasBody() {
		return
	}
	if s.dedup.ShouldIgnore(info.ID) {
		return
	}

	key := ResolveConversationKey(info.Chat, info.SenderAlt)

	var mediaURL string
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if s.opts.Media != nil && client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		url, err := s.opts.Media.Capture(ctx, client, info.ID, evt.Message)
		cancel()
		if err != nil {
			log.Printf("[Session %s] Media capture for %s failed: %v", s.ID, info.ID, err)
		} else {
			mediaURL = url
		}
	}

	tsMillis := info.Timestamp.UnixMilli()
	s.cache.UpdateChat(key, true, func(c *ChatSummary) {
		if info.PushName != "" {
			c.Name = info.PushName
		}
		c.UnreadCount++
	})
	s.cache.CacheMessage(key, CachedMessage{
		ID:        info.ID,
		FromMe:    false,
		Timestamp: tsMillis,
		Kind:      content.Kind,
		Text:      content.Text,
		MediaURL:  mediaURL,
	})

	if s.opts.Writer != nil {
		err := s.opts.Writer.Write(storage.MessageRecord{
			SessionID:         s.ID,
			ExternalMessageID: info.ID,
			Direction:         "inbound",
			SenderPhone:       ParseKey(key).User,
			Kind:              string(content.Kind),
			Text:              content.Text,
			MediaURL:          mediaURL,
			RawPayload:        rawPayload(evt.Message),
			Timestamp:         info.Timestamp,
		})
		if err != nil {
			log.Printf("[Session %s] Message %s not persisted: %v", s.ID, info.ID, err)
		}
	}

	s.emit(notify.EventInboundMessage, map[string]any{
		"chat":       key,
		"message_id": info.ID,
		"kind":       string(content.Kind),
		"text":       content.Text,
		"media_url":  mediaURL,
		"push_name":  info.PushName,
		"timestamp":  tsMillis,
	})
}

// handleHistorySync seeds the conversation cache from the server-side history
// snapshot. History messages never reach the lead store; only the cache.
func (s *Session) handleHistorySync(evt *events.HistorySync) {
	convs := evt.Data.GetConversations()
	log.Printf("[Session %s] History sync received: %d conversations", s.ID, len(convs))

	for _, conv := range convs {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		if jid.Server != types.DefaultUserServer && jid.Server != types.HiddenUserServer {
			continue
		}
		key := ResolveConversationKey(jid, types.EmptyJID)

		lastActivity := conv.GetConversationTimestamp()
		if ts := conv.GetLastMsgTimestamp(); ts > lastActivity {
			lastActivity = ts
		}
		s.cache.UpsertChat(ChatSummary{
			Key:          key,
			Name:         conv.GetName(),
			UnreadCount:  int(conv.GetUnreadCount()),
			Archived:     conv.GetArchived(),
			MutedUntil:   int64(conv.GetMuteEndTime()) * 1000,
			LastActivity: int64(lastActivity) * 1000,
		})

		for _, histMsg := range conv.GetMessages() {
			wm := histMsg.GetMessage()
			if wm == nil || wm.GetKey() == nil {
				continue
			}
			msgID := wm.GetKey().GetID()
			content := ExtractContent(wm.GetMessage())
			if !content.HasBody() {
				continue
			}
			if s.dedup.ShouldIgnore(msgID) {
				continue
			}
			s.cache.CacheMessage(key, CachedMessage{
				ID:        msgID,
				FromMe:    wm.GetKey().GetFromMe(),
				Timestamp: int64(wm.GetMessageTimestamp()) * 1000,
				Kind:      content.Kind,
				Text:      content.Text,
			})
		}
	}
}

// Send delivers a text message. to may be a full JID or a bare phone number;
// bare numbers are resolved through the server so the send targets the
// account's canonical JID.
func (s *Session) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()
	if client == nil || state != StateConnected {
		return "", ErrNotConnected
	}

	jid, err := s.resolveRecipient(ctx, client, to)
	if err != nil {
		return "", err
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	key := ResolveConversationKey(jid, types.EmptyJID)
	s.cache.CacheMessage(key, CachedMessage{
		ID:        resp.ID,
		FromMe:    true,
		Timestamp: resp.Timestamp.UnixMilli(),
		Kind:      KindText,
		Text:      text,
	})

	if s.opts.Writer != nil {
		err := s.opts.Writer.Write(storage.MessageRecord{
			SessionID:         s.ID,
			ExternalMessageID: resp.ID,
			Direction:         "outbound",
			SenderPhone:       jid.User,
			Kind:              string(KindText),
			Text:              text,
			RawPayload:        rawPayload(msg),
			Timestamp:         resp.Timestamp,
		})
		if err != nil {
			log.Printf("[Session %s] Outbound message %s not persisted: %v", s.ID, resp.ID, err)
		}
	}
	return resp.ID, nil
}

// rawPayload renders the message proto as JSON for the store's raw column.
func rawPayload(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	b, err := protojson.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Session) resolveRecipient(ctx context.Context, client *whatsmeow.Client, to string) (types.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}

	digits := storage.NormalizeDigits(to)
	if digits == "" {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q", to)
	}
	infos, err := client.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err == nil && len(infos) > 0 && infos[0].IsIn {
		return infos[0].JID, nil
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Logout ends the session deliberately: unregister the device remotely when
// possible, then discard local credentials either way.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.closed = true
	s.mu.Unlock()

	if client != nil && client.Store.ID != nil {
		if err := client.Logout(ctx); err != nil {
			log.Printf("[Session %s] Remote logout failed: %v", s.ID, err)
			client.Disconnect()
			if err := client.Store.Delete(ctx); err != nil {
				log.Printf("[Session %s] Failed to delete device store: %v", s.ID, err)
			}
		}
	} else if client != nil {
		client.Disconnect()
	}

	s.closeContainer()
	if err := os.RemoveAll(s.Dir()); err != nil {
		return fmt.Errorf("failed to remove credential directory: %w", err)
	}
	s.setState(StateLoggedOut, nil)
	return nil
}

// Close disconnects without logging out; credentials stay on disk for the
// next start.
func (s *Session) Close() {
	s.mu.Lock()
	client := s.client
	s.closed = true
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	s.closeContainer()
}

// Status returns a snapshot of the session's externally visible state.
func (s *Session) Status() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{ID: s.ID, State: s.state}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	if s.client != nil {
		info.Connected = s.client.IsConnected()
		if s.client.Store.ID != nil {
			info.JID = s.client.Store.ID.ToNonAD().String()
		}
	}
	return info
}

// PairingCode returns the latest QR challenge, or "" when none is pending.
func (s *Session) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode
}

// Cache exposes the session's conversation cache.
func (s *Session) Cache() *ConversationCache {
	return s.cache
}

// Downloader returns the session's client as a media downloader, or nil when
// no client exists yet.
func (s *Session) Downloader() media.Downloader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) emit(event string, data map[string]any) {
	if s.opts.Sink != nil {
		s.opts.Sink.Emit(s.ID, event, data)
	}
}

func (s *Session) emitStatus() {
	info := s.Status()
	s.emit(notify.EventConnectionStatus, map[string]any{
		"state":     string(info.State),
		"connected": info.Connected,
		"jid":       info.JID,
	})
}
