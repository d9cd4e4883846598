// Package composer builds the raw RFC 822 message handed to the Gmail API.
package composer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/quicksend/internal/attachment"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
)

// MaxInlineBytes caps the combined size of inline images in one message.
const MaxInlineBytes int64 = 25 * 1024 * 1024

const lineLen = 76

type Message struct {
	SenderName   string
	SenderEmail  string
	Recipient    string
	Subject      string
	BodyHTML     string
	Attachments  []model.Attachment
	InlineImages map[string]string // content id -> file path
}

type Composer struct {
	Log logger.Logger

	ReadFile func(path string) ([]byte, error)
	Now      func() time.Time
}

func New(log logger.Logger) *Composer {
	return &Composer{Log: log, ReadFile: os.ReadFile, Now: time.Now}
}

// Compose renders msg as multipart/mixed and returns it base64url encoded.
// Inline images that would push the total past MaxInlineBytes are left out
// with a warning; the rest of the message is still produced.
func (c *Composer) Compose(msg Message) (string, error) {
	if msg.SenderEmail == "" {
		return "", appErrors.NewValidationError("sender email is required")
	}
	if _, err := mail.ParseAddress(msg.Recipient); err != nil {
		return "", appErrors.NewValidationError("invalid recipient %q: %v", msg.Recipient, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := (&mail.Address{Name: msg.SenderName, Address: msg.SenderEmail}).String()
	writeHeader(&buf, "From", from)
	writeHeader(&buf, "To", msg.Recipient)
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", c.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID(msg.SenderEmail))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	buf.WriteString("\r\n")

	if err := writeHTML(mw, msg.BodyHTML); err != nil {
		return "", err
	}
	if err := c.writeInlineImages(mw, msg); err != nil {
		return "", err
	}
	for _, a := range msg.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func writeHeader(w io.Writer, key, value string) {
	fmt.Fprintf(w, "%s: %s\r\n", key, value)
}

func messageID(senderEmail string) string {
	domain := "quicksend.local"
	if at := strings.LastIndex(senderEmail, "@"); at >= 0 && at < len(senderEmail)-1 {
		domain = senderEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func writeHTML(mw *multipart.Writer, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", `text/html; charset="UTF-8"`)
	h.Set("Content-Transfer-Encoding", "base64")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create html part: %w", err)
	}
	return writeWrapped(pw, base64.StdEncoding.EncodeToString([]byte(body)))
}

func (c *Composer) writeInlineImages(mw *multipart.Writer, msg Message) error {
	cids := make([]string, 0, len(msg.InlineImages))
	for cid := range msg.InlineImages {
		cids = append(cids, cid)
	}
	sort.Strings(cids)

	var total int64
	for _, cid := range cids {
		path := msg.InlineImages[cid]
		data, err := c.ReadFile(path)
		if err != nil {
			c.Log.Warn("inline image unreadable, skipping", "cid", cid, "path", path, "error", err)
			continue
		}
		size := int64(len(data))
		if total+size > MaxInlineBytes {
			c.Log.Warn("inline image exceeds size budget, skipping",
				"cid", cid, "size", size, "used", total, "limit", MaxInlineBytes)
			continue
		}
		total += size

		name := filepath.Base(path)
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", attachment.MimeType(name))
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-ID", "<"+cid+">")
		h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("create inline part %s: %w", cid, err)
		}
		if err := writeWrapped(pw, base64.StdEncoding.EncodeToString(data)); err != nil {
			return err
		}
	}
	return nil
}

func writeAttachment(mw *multipart.Writer, a model.Attachment) error {
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = attachment.MimeType(a.Filename)
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mimeType)
	h.Set("Content-Transfer-Encoding", "base64")
	if a.EncodedFilename != "" {
		h.Set("Content-Disposition", "attachment; filename*=UTF-8''"+a.EncodedFilename)
	} else {
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", quote(a.Filename)))
	}
	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create attachment part %s: %w", a.Filename, err)
	}
	return writeWrapped(pw, a.Content)
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// writeWrapped splits already encoded base64 into 76 character lines.
func writeWrapped(w io.Writer, encoded string) error {
	for len(encoded) > 0 {
		n := lineLen
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[:n]+"\r\n"); err != nil {
			return fmt.Errorf("write part body: %w", err)
		}
		encoded = encoded[n:]
	}
	return nil
}
