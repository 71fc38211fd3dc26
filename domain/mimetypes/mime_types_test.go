package mimetypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want MIME
	}{
		{"Plain text drops charset", []byte("hello there, plain words"), TextPlain},
		{"HTML", []byte("<!DOCTYPE html><html><body>hi</body></html>"), TextHTML},
		{"JSON", []byte(`{"room":"lobby","members":3}`), ApplicationJSON},
		{"PDF", []byte("%PDF-1.7\n%âãÏÓ\n"), ApplicationPDF},
		{"PNG", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), ImagePNG},
		{"GIF", []byte("GIF89a\x01\x00\x01\x00"), ImageGIF},
		{"Binary", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}, OctetStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Sniff(tt.head))
		})
	}
}
