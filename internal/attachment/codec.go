// Package attachment decodes file payloads carried inside chat frames and
// stores their bytes under generated names.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrCodec is returned when an attachment payload cannot be decoded.
var ErrCodec = errors.New("attachment codec error")

// Payload is the encoded attachment as sent by clients: the original file
// name and the body, either a data URL or bare base64.
type Payload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Ref identifies stored attachment bytes.
type Ref struct {
	GeneratedName string `json:"generatedName"`
	OriginalName  string `json:"originalName"`
}

// Codec turns Payloads into bytes and a generated file name.
type Codec struct {
	now   func() time.Time
	token func() string
}

// NewCodec creates a Codec whose names are "<unix-millis>-<random>.<ext>".
func NewCodec() *Codec {
	return &Codec{
		now:   time.Now,
		token: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
}

// Decode returns the payload bytes and a generated name that keeps the
// original extension. A name without a "." yields an empty extension.
func (c *Codec) Decode(p Payload) ([]byte, string, error) {
	body := p.Data
	if strings.HasPrefix(body, "data:") {
		idx := strings.IndexByte(body, ',')
		if idx < 0 {
			return nil, "", fmt.Errorf("%w: data url without body", ErrCodec)
		}
		body = body[idx+1:]
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, "", fmt.Errorf("%w: empty body", ErrCodec)
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrCodec, err)
	}

	return data, c.generateName(p.Name), nil
}

func (c *Codec) generateName(original string) string {
	return fmt.Sprintf("%d-%s.%s", c.now().UnixMilli(), c.token(), Extension(original))
}

// Extension returns the part of the base file name after its last ".".
// Control characters are removed; path separators cannot occur because only
// the base name is considered.
func Extension(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	idx := strings.LastIndexByte(base, '.')
	if idx < 0 {
		return ""
	}

	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, base[idx+1:])
}
