package session

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// ContentKind discriminates the supported message content variants.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindVideo    ContentKind = "video"
	KindAudio    ContentKind = "audio"
	KindDocument ContentKind = "document"
	KindReaction ContentKind = "reaction"
	KindUnknown  ContentKind = "unknown"
)

// Content is the tagged, flattened view of a WhatsApp message payload. Each
// kind carries only the fields relevant to it.
type Content struct {
	Kind     ContentKind
	Text     string
	Filename string
	MimeType string
	Voice    bool // audio only: push-to-talk voice note
}

// HasBody reports whether the message carries anything worth processing.
func (c Content) HasBody() bool {
	switch c.Kind {
	case KindText, KindReaction:
		return c.Text != ""
	case KindUnknown:
		return false
	default:
		return true
	}
}

// UnwrapMessage peels view-once, ephemeral and caption wrapper layers until
// the innermost content is reached.
func UnwrapMessage(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

// ExtractContent unwraps msg and maps it onto a Content variant.
func ExtractContent(msg *waE2E.Message) Content {
	msg = UnwrapMessage(msg)
	if msg == nil {
		return Content{Kind: KindUnknown}
	}

	switch {
	case msg.GetConversation() != "":
		return Content{Kind: KindText, Text: msg.GetConversation()}
	case msg.GetExtendedTextMessage().GetText() != "":
		return Content{Kind: KindText, Text: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		im := msg.GetImageMessage()
		return Content{Kind: KindImage, Text: im.GetCaption(), MimeType: im.GetMimetype()}
	case msg.GetVideoMessage() != nil:
		vm := msg.GetVideoMessage()
		return Content{Kind: KindVideo, Text: vm.GetCaption(), MimeType: vm.GetMimetype()}
	case msg.GetAudioMessage() != nil:
		am := msg.GetAudioMessage()
		return Content{Kind: KindAudio, MimeType: am.GetMimetype(), Voice: am.GetPTT()}
	case msg.GetDocumentMessage() != nil:
		dm := msg.GetDocumentMessage()
		text := dm.GetCaption()
		if text == "" {
			text = dm.GetTitle()
		}
		return Content{Kind: KindDocument, Text: text, Filename: dm.GetFileName(), MimeType: dm.GetMimetype()}
	case msg.GetReactionMessage() != nil:
		return Content{Kind: KindReaction, Text: msg.GetReactionMessage().GetText()}
	default:
		return Content{Kind: KindUnknown}
	}
}
