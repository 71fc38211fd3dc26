package mimetypes

import (
	"mime"

	"github.com/gabriel-vasile/mimetype"
)

type MIME string

const (
	OctetStream MIME = "application/octet-stream"
	TextPlain   MIME = "text/plain"
	TextHTML    MIME = "text/html"

	ApplicationPDF  MIME = "application/pdf"
	ApplicationJSON MIME = "application/json"
	ApplicationZIP  MIME = "application/zip"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
)

// Sniff detects the media type of a file from its first bytes.
// Parameters such as charset are dropped.
func Sniff(head []byte) MIME {
	detected := mimetype.Detect(head).String()
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return OctetStream
	}
	return MIME(mt)
}
