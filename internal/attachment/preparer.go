// Package attachment turns uploaded files into transport-ready descriptors.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"

	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/model"
)

const (
	chunkSize       = 8192
	defaultMimeType = "application/octet-stream"
	unnamedFile     = "unnamed"
)

type Preparer struct{}

func NewPreparer() *Preparer {
	return &Preparer{}
}

// Prepare reads r to the end and returns its base64 content, byte size and
// MIME type. There is no size cap here; quota is about recipients.
func (p *Preparer) Prepare(r io.Reader, filename string) (*model.AttachmentDescriptor, error) {
	if filename == "" {
		filename = unnamedFile
	}
	if r == nil {
		return nil, &appErrors.AttachmentError{Filename: filename, Err: errors.New("no content")}
	}

	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &appErrors.AttachmentError{Filename: filename, Err: err}
		}
	}

	return &model.AttachmentDescriptor{
		Filename:        filename,
		EncodedFilename: EncodeFilename(filename),
		MimeType:        MimeType(filename),
		Size:            int64(buf.Len()),
		Content:         base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// MimeType guesses from the extension.
func MimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return defaultMimeType
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return defaultMimeType
	}
	return t
}

// EncodeFilename returns the RFC 5987 percent-encoded form of name, or ""
// when name is plain ASCII and can be quoted as is.
func EncodeFilename(name string) string {
	if isASCII(name) {
		return ""
	}
	// PathEscape keeps sub-delims RFC 5987 forbids; QueryEscape turns
	// spaces into '+'. Fix up the latter.
	return strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
}

func isASCII(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
