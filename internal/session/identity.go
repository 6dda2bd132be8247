package session

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ResolveConversationKey canonicalizes a contact's dual identity forms into a
// single conversation key. WhatsApp may address the same counterpart either by
// phone number JID or by an anonymized LID, and picks one as primary per
// event. When the primary is a LID and a phone-number alternate is known, the
// alternate wins; otherwise the primary is used as-is. Device suffixes are
// stripped so all of a counterpart's devices collapse to one key.
func ResolveConversationKey(primary, alternate types.JID) string {
	if primary.Server == types.HiddenUserServer &&
		!alternate.IsEmpty() && alternate.Server == types.DefaultUserServer {
		return alternate.ToNonAD().String()
	}
	return primary.ToNonAD().String()
}

// ParseKey parses a conversation key or raw id back into a JID. Bare values
// without a server are treated as phone numbers.
func ParseKey(key string) types.JID {
	if strings.ContainsRune(key, '@') {
		if jid, err := types.ParseJID(key); err == nil {
			return jid
		}
	}
	return types.NewJID(strings.TrimPrefix(key, "+"), types.DefaultUserServer)
}
