package compression

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	compressor := NewCompressor()

	// GZIP adds ~20 bytes of framing, so use repetitive input
	data := []byte(strings.Repeat("<Invoice><Line>42</Line></Invoice>", 50))

	compressed, err := compressor.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestCompressor_Streaming(t *testing.T) {
	compressor := NewCompressorWithLevel(9)
	payload := bytes.Repeat([]byte("stream "), 10000)

	var packed bytes.Buffer
	require.NoError(t, compressor.CompressTo(&packed, bytes.NewReader(payload)))

	var unpacked bytes.Buffer
	require.NoError(t, compressor.DecompressTo(&unpacked, &packed))
	assert.Equal(t, payload, unpacked.Bytes())
}

func TestCompressor_EmptyData(t *testing.T) {
	compressor := NewCompressor()

	compressed, err := compressor.Compress(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func TestCompressor_InvalidData(t *testing.T) {
	compressor := NewCompressor()

	_, err := compressor.Decompress([]byte("not gzip at all"))
	assert.Error(t, err)

	compressed, err := compressor.Compress([]byte("some content"))
	require.NoError(t, err)
	compressed[0], compressed[1] = 0xFF, 0xFF
	_, err = compressor.Decompress(compressed)
	assert.Error(t, err)
}

func TestMode(t *testing.T) {
	assert.True(t, ModeNone.Valid())
	assert.True(t, ModeGZIP.Valid())
	assert.False(t, Mode("application/zstd").Valid())

	assert.False(t, ModeNone.Enabled())
	assert.True(t, ModeGZIP.Enabled())
	assert.Equal(t, "application/gzip", ModeGZIP.MimeType())
	assert.Equal(t, ".gz", ModeGZIP.FileExtension())
	assert.Equal(t, "", ModeNone.FileExtension())
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeNone, false},
		{"application/gzip", ModeGZIP, false},
		{"application/x-gzip", ModeGZIP, false},
		{"application/brotli", ModeNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldCompress(t *testing.T) {
	assert.True(t, ShouldCompress("application/xml"))
	assert.True(t, ShouldCompress("text/plain; charset=utf-8"))
	assert.True(t, ShouldCompress(""))
	assert.False(t, ShouldCompress("application/gzip"))
	assert.False(t, ShouldCompress("image/png"))
}
