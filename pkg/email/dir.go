package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// Dir writes each message to a directory as <stamp>_<slug>.json, plus an
// .html copy of the HTML body for previewing in a browser.
type Dir struct {
	path string
	now  func() time.Time
}

func NewDir(path string) *Dir {
	return &Dir{path: path, now: time.Now}
}

type storedMessage struct {
	Message
	SentAt time.Time `json:"sent_at"`
}

func (d *Dir) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	now := d.now().UTC()
	name := msg.Tag
	if name == "" {
		name = msg.Subject
	}
	base := filepath.Join(d.path, now.Format("20060102T150405.000000000")+"_"+slug(name))

	data, err := json.MarshalIndent(storedMessage{Message: msg, SentAt: now}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if msg.HTML != "" {
		if err := os.WriteFile(base+".html", []byte(msg.HTML), 0o644); err != nil {
			return fmt.Errorf("%w: %v", ErrSend, err)
		}
	}
	return nil
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 64 {
			break
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "message"
	}
	return out
}
