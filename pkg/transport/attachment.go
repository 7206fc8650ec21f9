package transport

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Attachment is one file sent as a "data" part.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

func (a Attachment) ContentType() string {
	if a.MIMEType == "" {
		return "application/octet-stream"
	}
	return a.MIMEType
}

// DataURL is the form stored in history as the message image reference.
func (a Attachment) DataURL() string {
	return "data:" + a.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// LoadAttachment reads path and detects its MIME type from the extension,
// falling back to content sniffing.
func LoadAttachment(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, errors.Wrapf(err, "transport: read attachment %s", path)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	return Attachment{Name: filepath.Base(path), MIMEType: mt, Data: data}, nil
}

// NewSessionID returns a locally generated id of the form
// session_<unix-ms>_<random>.
func NewSessionID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), random)
}
