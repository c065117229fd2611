package attachment

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedCodec() *Codec {
	return &Codec{
		now:   func() time.Time { return time.UnixMilli(1700000000123) },
		token: func() string { return "abc123" },
	}
}

func TestDecodeKeepsExtension(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte("png bytes"))

	data, name, err := NewCodec().Decode(Payload{Name: "photo.png", Data: body})
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
	assert.True(t, strings.HasSuffix(name, ".png"), name)
}

func TestDecodeWithoutExtension(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte("x"))

	_, name, err := fixedCodec().Decode(Payload{Name: "noext", Data: body})
	require.NoError(t, err)
	assert.Equal(t, "1700000000123-abc123.", name)
	assert.True(t, strings.HasSuffix(name, "."))
}

func TestDecodeDataURL(t *testing.T) {
	body := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))

	data, name, err := fixedCodec().Decode(Payload{Name: "notes.final.txt", Data: body})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "1700000000123-abc123.txt", name)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty body", ""},
		{"data url without comma", "data:text/plain;base64"},
		{"not base64", "%%%not-base64%%%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewCodec().Decode(Payload{Name: "a.txt", Data: tt.data})
			assert.ErrorIs(t, err, ErrCodec)
		})
	}
}

func TestGeneratedNamesDifferWithinOneMillisecond(t *testing.T) {
	c := NewCodec()
	c.now = func() time.Time { return time.UnixMilli(42) }
	body := base64.StdEncoding.EncodeToString([]byte("x"))

	_, first, err := c.Decode(Payload{Name: "a.png", Data: body})
	require.NoError(t, err)
	_, second, err := c.Decode(Payload{Name: "a.png", Data: body})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"photo.png":          "png",
		"archive.tar.gz":     "gz",
		"noext":              "",
		"trailingdot.":       "",
		"../../etc/passwd":   "",
		"dir.v2/file":        "",
		`C:\docs\report.PDF`: "PDF",
		"weird.p/n/g":        "",
		"spaced.j p g":       "j p g",
		"notes.my-ext":       "my-ext",
		"nul.e\x00xt":        "ext",
		"tab.t\tx":           "tx",
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), "Extension(%q)", in)
	}
}

func TestDiskStorePut(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "1-a.txt", []byte("hello")))

	got, err := os.ReadFile(filepath.Join(dir, "1-a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = os.Stat(filepath.Join(dir, "1-a.txt.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskStoreRejectsTraversal(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "../x", "a/b"} {
		err := store.Put(context.Background(), name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}
