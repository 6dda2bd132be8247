package media

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Downloader requests decrypted attachment bytes from WhatsApp. Satisfied by
// *whatsmeow.Client.
type Downloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// Store captures supported inbound attachments (voice notes, images, PDF
// documents) onto disk and returns a resolvable URL. Capture is best-effort:
// unsupported kinds and download failures yield no media without failing the
// message pipeline.
type Store struct {
	baseDir       string
	publicBaseURL string
}

// NewStore creates a media store rooted at baseDir. publicBaseURL, when set,
// makes returned URLs absolute.
func NewStore(baseDir, publicBaseURL string) *Store {
	return &Store{
		baseDir:       baseDir,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

type capture struct {
	downloadable whatsmeow.DownloadableMessage
	dir          string
	filename     string
}

// Capture unwraps msg, downloads a supported attachment and writes it under a
// kind-specific directory. Returns "" when the message carries no supported
// attachment.
func (s *Store) Capture(ctx context.Context, dl Downloader, msgID string, msg *waE2E.Message) (string, error) {
	att := classify(msgID, msg)
	if att == nil {
		return "", nil
	}

	data, err := dl.Download(ctx, att.downloadable)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", att.filename, err)
	}

	dir := filepath.Join(s.baseDir, att.dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	dest := filepath.Join(dir, att.filename)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	log.Printf("[Media] Stored %s (%d bytes)", dest, len(data))

	rel := path.Join("/media", att.dir, att.filename)
	if s.publicBaseURL != "" {
		return s.publicBaseURL + rel, nil
	}
	return rel, nil
}

// classify picks the innermost supported attachment, its target directory and
// a filesystem-safe name.
func classify(msgID string, msg *waE2E.Message) *capture {
	msg = unwrap(msg)
	if msg == nil {
		return nil
	}

	if am := msg.GetAudioMessage(); am != nil && am.GetPTT() {
		return &capture{am, "voice", SafeFileName(msgID, "", extForMime(am.GetMimetype(), ".ogg"))}
	}
	if im := msg.GetImageMessage(); im != nil {
		return &capture{im, "images", SafeFileName(msgID, "", extForMime(im.GetMimetype(), ".jpg"))}
	}
	if dm := msg.GetDocumentMessage(); dm != nil && strings.HasPrefix(dm.GetMimetype(), "application/pdf") {
		return &capture{dm, "documents", SafeFileName(msgID, dm.GetFileName(), ".pdf")}
	}
	return nil
}

// unwrap mirrors the session package's wrapper peeling; media capture must
// see through view-once and ephemeral envelopes too.
func unwrap(msg *waE2E.Message) *waE2E.Message {
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

func extForMime(mime, fallback string) string {
	mime, _, _ = strings.Cut(mime, ";")
	switch strings.TrimSpace(mime) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	default:
		return fallback
	}
}

// SafeFileName derives a filesystem-safe name from the message id and the
// original filename when present. The id prefix keeps names unique across
// messages carrying identically named files.
func SafeFileName(msgID, original, ext string) string {
	name := sanitize(msgID)
	if original != "" {
		base := sanitize(strings.TrimSuffix(original, filepath.Ext(original)))
		if base != "" {
			name = name + "_" + base
		}
		if origExt := filepath.Ext(original); origExt != "" {
			ext = sanitize(origExt)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
		}
	}
	return name + ext
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
