package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return f.data, f.err
}

func TestCaptureStoresVoiceNote(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "")
	dl := &fakeDownloader{data: []byte("opus-bytes")}

	url, err := s.Capture(context.Background(), dl, "MSG1", &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			PTT:      proto.Bool(true),
			Mimetype: proto.String("audio/ogg; codecs=opus"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/media/voice/MSG1.ogg", url)

	data, err := os.ReadFile(filepath.Join(dir, "voice", "MSG1.ogg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("opus-bytes"), data)
}

func TestCaptureSkipsNonVoiceAudio(t *testing.T) {
	s := NewStore(t.TempDir(), "")
	dl := &fakeDownloader{data: []byte("mp3")}

	url, err := s.Capture(context.Background(), dl, "MSG1", &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/mpeg")},
	})
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestCaptureStoresImageWithPublicBaseURL(t *testing.T) {
	s := NewStore(t.TempDir(), "https://cdn.example.com/")
	dl := &fakeDownloader{data: []byte("jpeg")}

	url, err := s.Capture(context.Background(), dl, "MSG2", &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/images/MSG2.jpg", url)
}

func TestCaptureStoresPDFDocument(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "")
	dl := &fakeDownloader{data: []byte("%PDF-1.4")}

	url, err := s.Capture(context.Background(), dl, "MSG3", &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			Mimetype: proto.String("application/pdf"),
			FileName: proto.String("Invoice März/2026.pdf"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/media/documents/MSG3_Invoice_M_rz_2026.pdf", url)
}

func TestCaptureSkipsNonPDFDocuments(t *testing.T) {
	s := NewStore(t.TempDir(), "")
	dl := &fakeDownloader{data: []byte("zip")}

	url, err := s.Capture(context.Background(), dl, "MSG4", &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{Mimetype: proto.String("application/zip")},
	})
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestCaptureTextMessageYieldsNothing(t *testing.T) {
	s := NewStore(t.TempDir(), "")
	dl := &fakeDownloader{}

	url, err := s.Capture(context.Background(), dl, "MSG5", &waE2E.Message{
		Conversation: proto.String("just text"),
	})
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestCaptureSeesThroughViewOnce(t *testing.T) {
	s := NewStore(t.TempDir(), "")
	dl := &fakeDownloader{data: []byte("jpeg")}

	url, err := s.Capture(context.Background(), dl, "MSG6", &waE2E.Message{
		ViewOnceMessageV2: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{
				ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/media/images/MSG6.jpg", url)
}

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "MSG1.ogg", SafeFileName("MSG1", "", ".ogg"))
	assert.Equal(t, "MSG1_report.pdf", SafeFileName("MSG1", "report.pdf", ".pdf"))
	assert.Equal(t, "A1B2_my_file.pdf", SafeFileName("A1B2", "my file.pdf", ".pdf"))
}
