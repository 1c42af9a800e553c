package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		id       string
		filename string
		want     string
	}{
		{"plain", "documents", "abc", "kanun.pdf", "documents/abc/kanun.pdf"},
		{"prefix slashes trimmed", "/documents/", "abc", "kanun.pdf", "documents/abc/kanun.pdf"},
		{"path separators sanitized", "documents", "abc", "../etc/passwd", "documents/abc/.._etc_passwd"},
		{"turkish filename kept", "documents", "abc", "yönetmelik ğş.pdf", "documents/abc/yönetmelik ğş.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.prefix, tt.id, tt.filename))
		})
	}
}

func TestSplitURL(t *testing.T) {
	bucket, key, err := splitURL("gs://legal-docs/documents/abc/kanun.pdf")
	require.NoError(t, err)
	assert.Equal(t, "legal-docs", bucket)
	assert.Equal(t, "documents/abc/kanun.pdf", key)

	_, _, err = splitURL("s3://bucket/key")
	assert.Error(t, err)

	_, _, err = splitURL("gs://bucketonly")
	assert.Error(t, err)

	_, _, err = splitURL("gs:///key")
	assert.Error(t, err)
}
