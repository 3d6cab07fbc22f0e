package mimetypes

import (
	"chat-core/domain"
	"mime"
	"strings"
)

type MIME string

const (
	Unknown     MIME = "unknown"
	TextPlain   MIME = "text/plain"
	OctetStream MIME = "application/octet-stream"

	ApplicationPDF  MIME = "application/pdf"
	ApplicationJSON MIME = "application/json"
	ApplicationZIP  MIME = "application/zip"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
	ImageWEBP MIME = "image/webp"

	VideoMP4  MIME = "video/mp4"
	VideoWEBM MIME = "video/webm"

	AudioMPEG MIME = "audio/mpeg"
	AudioWAV  MIME = "audio/wav"
	AudioOGG  MIME = "audio/ogg"
)

// Parse strips parameters such as charset from a detected media type.
func Parse(detected string) MIME {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown
	}
	return MIME(mt)
}

func Matches(detected string, expected MIME) (MIME, bool) {
	mt := Parse(detected)
	if mt == Unknown {
		return Unknown, false
	}
	return expected, mt == expected
}

// KindOf classifies an attachment by the top-level type of its media type.
// Anything that is not an image, a video or an audio clip is a document.
func KindOf(detected string) domain.AttachmentKind {
	mt := string(Parse(detected))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return domain.AttachmentImage
	case strings.HasPrefix(mt, "video/"):
		return domain.AttachmentVideo
	case strings.HasPrefix(mt, "audio/"):
		return domain.AttachmentAudio
	default:
		return domain.AttachmentDocument
	}
}
