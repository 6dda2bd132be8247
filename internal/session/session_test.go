package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waSyncAction"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/leadflowhq/wagate/internal/storage"
)

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	sessionID string
	event     string
	data      map[string]any
}

func (f *fakeSink) Emit(sessionID, event string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{sessionID, event, data})
}

func (f *fakeSink) byEvent(event string) []sinkEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sinkEvent
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeWriter struct {
	mu      sync.Mutex
	records []storage.MessageRecord
	err     error
}

func (f *fakeWriter) Write(rec storage.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func newTestSession(t *testing.T, sink *fakeSink, writer *fakeWriter) *Session {
	t.Helper()
	opts := Options{BaseDir: t.TempDir(), DedupTTL: time.Minute}
	if sink != nil {
		opts.Sink = sink
	}
	if writer != nil {
		opts.Writer = writer
	}
	s := New("acct-1", opts)
	s.reinit = func() {}
	return s
}

func inboundMessage(id, chatUser, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID(chatUser, types.DefaultUserServer),
				Sender: types.NewJID(chatUser, types.DefaultUserServer),
			},
			ID:        id,
			PushName:  "Ada",
			Timestamp: time.UnixMilli(1700000000000),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, sink, nil)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "session.db"), []byte("creds"), 0o600))

	s.handleEvent(&events.LoggedOut{})

	assert.Equal(t, StateLoggedOut, s.Status().State)
	_, err := os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err), "credentials must be discarded")

	// A disconnect after logout must not resurrect the session.
	s.handleEvent(&events.Disconnected{})
	assert.Equal(t, StateLoggedOut, s.Status().State)

	require.NotEmpty(t, sink.byEvent("connection-status"))
}

func TestConnectFailureLoggedOutIsTerminal(t *testing.T) {
	s := newTestSession(t, nil, nil)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o700))

	s.handleEvent(&events.ConnectFailure{Reason: events.ConnectFailureLoggedOut})
	assert.Equal(t, StateLoggedOut, s.Status().State)
}

func TestDisconnectedEntersReconnecting(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, sink, nil)
	s.setState(StateConnected, nil)

	s.handleEvent(&events.Disconnected{})
	assert.Equal(t, StateReconnecting, s.Status().State)

	// A second disconnect while already reconnecting changes nothing.
	s.handleEvent(&events.Disconnected{})
	assert.Equal(t, StateReconnecting, s.Status().State)
}

func TestConsumeQRChannelPublishesChallenges(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, sink, nil)

	ch := make(chan whatsmeow.QRChannelItem, 2)
	ch <- whatsmeow.QRChannelItem{Event: "code", Code: "qr-payload-1"}
	ch <- whatsmeow.QRChannelItem{Event: "success"}
	close(ch)

	s.consumeQRChannel(ch)

	challenges := sink.byEvent("qr-challenge")
	require.Len(t, challenges, 1)
	assert.Equal(t, "qr-payload-1", challenges[0].data["code"])
	assert.Equal(t, "acct-1", challenges[0].sessionID)
	assert.Equal(t, StateAwaitingPairing, s.Status().State)
	assert.Empty(t, s.PairingCode(), "pairing code must be cleared once pairing settles")
}

func TestSendRequiresConnection(t *testing.T) {
	s := newTestSession(t, nil, nil)
	_, err := s.Send(context.Background(), "4915112345678", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandleMessageCachesPersistsAndEmits(t *testing.T) {
	sink := &fakeSink{}
	writer := &fakeWriter{}
	s := newTestSession(t, sink, writer)

	s.handleMessage(inboundMessage("MSG1", "4915112345678", "hello"))

	chats := s.Cache().ListChats(0)
	require.Len(t, chats, 1)
	assert.Equal(t, "4915112345678@s.whatsapp.net", chats[0].Key)
	assert.Equal(t, "Ada", chats[0].Name)
	assert.Equal(t, 1, chats[0].UnreadCount)

	msgs := s.Cache().ListMessages(chats[0].Key, 0, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "MSG1", msgs[0].ID)
	assert.Equal(t, KindText, msgs[0].Kind)
	assert.Equal(t, "hello", msgs[0].Text)

	writer.mu.Lock()
	require.Len(t, writer.records, 1)
	rec := writer.records[0]
	writer.mu.Unlock()
	assert.Equal(t, "acct-1", rec.SessionID)
	assert.Equal(t, "MSG1", rec.ExternalMessageID)
	assert.Equal(t, "inbound", rec.Direction)
	assert.Equal(t, "4915112345678", rec.SenderPhone)
	assert.Contains(t, rec.RawPayload, `"hello"`, "persisted rows carry the raw message payload")

	require.Len(t, sink.byEvent("inbound-message"), 1)
}

func TestRawPayloadRendersMessageProto(t *testing.T) {
	assert.Empty(t, rawPayload(nil))

	out := rawPayload(&waE2E.Message{Conversation: proto.String("hi there")})
	assert.Contains(t, out, "conversation")
	assert.Contains(t, out, "hi there")
}

func TestReinitializeReusesCredentialStore(t *testing.T) {
	s := newTestSession(t, nil, nil)
	ctx := context.Background()

	first, err := s.openContainer(ctx)
	require.NoError(t, err)
	second, err := s.openContainer(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second, "re-initialization must not open a second store over the same database")

	s.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.container, "close must release the credential store")
}

func TestHandleMessageDeduplicates(t *testing.T) {
	writer := &fakeWriter{}
	s := newTestSession(t, nil, writer)

	s.handleMessage(inboundMessage("MSG1", "4915112345678", "hello"))
	s.handleMessage(inboundMessage("MSG1", "4915112345678", "hello"))

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Len(t, writer.records, 1)
}

func TestHandleMessageSkipsOwnAndGroupMessages(t *testing.T) {
	writer := &fakeWriter{}
	s := newTestSession(t, nil, writer)

	own := inboundMessage("MSG1", "4915112345678", "me")
	own.Info.IsFromMe = true
	s.handleMessage(own)

	group := inboundMessage("MSG2", "4915112345678", "group")
	group.Info.Chat = types.NewJID("1234-5678", types.GroupServer)
	s.handleMessage(group)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Empty(t, writer.records)
	assert.Empty(t, s.Cache().ListChats(0))
}

func TestHandleMessageResolvesHiddenSender(t *testing.T) {
	s := newTestSession(t, nil, nil)

	evt := inboundMessage("MSG1", "4915112345678", "first")
	s.handleMessage(evt)

	// The same contact now arrives through its hidden JID with the phone
	// number as alternate; both must land in one conversation.
	viaLid := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:      types.NewJID("987654321", types.HiddenUserServer),
				Sender:    types.NewJID("987654321", types.HiddenUserServer),
				SenderAlt: types.NewJID("4915112345678", types.DefaultUserServer),
			},
			ID:        "MSG2",
			Timestamp: time.UnixMilli(1700000001000),
		},
		Message: &waE2E.Message{Conversation: proto.String("second")},
	}
	s.handleMessage(viaLid)

	chats := s.Cache().ListChats(0)
	require.Len(t, chats, 1)
	assert.Len(t, s.Cache().ListMessages(chats[0].Key, 0, 0), 2)
}

func TestHandleMessageWriterFailureIsNotFatal(t *testing.T) {
	writer := &fakeWriter{err: storage.ErrNoLead}
	s := newTestSession(t, nil, writer)

	s.handleMessage(inboundMessage("MSG1", "4915112345678", "hello"))

	// Message still cached even though persistence was refused.
	assert.Len(t, s.Cache().ListChats(0), 1)
}

func TestHandleHistorySyncSeedsCache(t *testing.T) {
	writer := &fakeWriter{}
	s := newTestSession(t, nil, writer)

	s.handleHistorySync(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID:                    proto.String("4915112345678@s.whatsapp.net"),
					Name:                  proto.String("Ada"),
					UnreadCount:           proto.Uint32(3),
					ConversationTimestamp: proto.Uint64(1700000000),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key: &waCommon.MessageKey{
									ID:     proto.String("H1"),
									FromMe: proto.Bool(true),
								},
								Message:          &waE2E.Message{Conversation: proto.String("earlier")},
								MessageTimestamp: proto.Uint64(1699999000),
							},
						},
					},
				},
				{
					// Group history must be skipped entirely.
					ID: proto.String("1234-5678@g.us"),
				},
			},
		},
	})

	chats := s.Cache().ListChats(0)
	require.Len(t, chats, 1)
	assert.Equal(t, "4915112345678@s.whatsapp.net", chats[0].Key)
	assert.Equal(t, "Ada", chats[0].Name)
	assert.Equal(t, 3, chats[0].UnreadCount)
	assert.Equal(t, int64(1700000000000), chats[0].LastActivity)

	msgs := s.Cache().ListMessages(chats[0].Key, 0, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "H1", msgs[0].ID)
	assert.True(t, msgs[0].FromMe)
	assert.Equal(t, int64(1699999000000), msgs[0].Timestamp)

	// History never reaches the lead store.
	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Empty(t, writer.records)
}

func TestHistorySyncDoesNotDuplicateLiveMessages(t *testing.T) {
	s := newTestSession(t, nil, nil)

	s.handleMessage(inboundMessage("MSG1", "4915112345678", "hello"))
	s.handleHistorySync(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID: proto.String("4915112345678@s.whatsapp.net"),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key:              &waCommon.MessageKey{ID: proto.String("MSG1")},
								Message:          &waE2E.Message{Conversation: proto.String("hello")},
								MessageTimestamp: proto.Uint64(1700000000),
							},
						},
					},
				},
			},
		},
	})

	msgs := s.Cache().ListMessages("4915112345678@s.whatsapp.net", 0, 0)
	assert.Len(t, msgs, 1)
}

func TestChatStateEvents(t *testing.T) {
	s := newTestSession(t, nil, nil)
	key := "4915112345678@s.whatsapp.net"
	s.handleMessage(inboundMessage("MSG1", "4915112345678", "hello"))

	s.handleEvent(&events.Archive{
		JID:    types.NewJID("4915112345678", types.DefaultUserServer),
		Action: &waSyncAction.ArchiveChatAction{Archived: proto.Bool(true)},
	})

	chats := s.Cache().ListChats(0)
	require.Len(t, chats, 1)
	assert.True(t, chats[0].Archived)

	s.handleEvent(&events.DeleteChat{JID: types.NewJID("4915112345678", types.DefaultUserServer)})
	assert.Empty(t, s.Cache().ListMessages(key, 0, 0))
}
