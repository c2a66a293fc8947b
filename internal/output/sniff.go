package output

import (
	"bytes"
	"unicode/utf8"
)

// Format is the expected output format for a sandbox execution.
type Format string

const (
	FormatText   Format = "text"   // Plain text output (default).
	FormatImage  Format = "image"  // Image data (png, jpg, etc.).
	FormatVideo  Format = "video"  // Video data.
	FormatBinary Format = "binary" // Opaque binary data.
	FormatAuto   Format = "auto"   // Auto-detect from content.
)

// ParseFormat maps a string to a Format, defaulting to auto.
func ParseFormat(s string) Format {
	switch Format(s) {
	case FormatText, FormatImage, FormatVideo, FormatBinary:
		return Format(s)
	default:
		return FormatAuto
	}
}

// Extension returns the file extension used when storing this format.
func (f Format) Extension() string {
	switch f {
	case FormatVideo:
		return "mp4"
	case FormatImage, FormatBinary:
		return "bin"
	default:
		return "txt"
	}
}

var (
	pngMagic   = []byte{0x89, 0x50, 0x4E, 0x47}
	jpegMagic  = []byte{0xFF, 0xD8, 0xFF}
	gif87Magic = []byte("GIF87a")
	gif89Magic = []byte("GIF89a")
)

// DetectFormat sniffs the output format from content.
func DetectFormat(data []byte) Format {
	if isImage(data) {
		return FormatImage
	}
	// MP4/MOV carry an "ftyp" box right after the size header.
	if len(data) > 12 && bytes.Equal(data[4:8], []byte("ftyp")) {
		return FormatVideo
	}
	if isPrintableText(data) {
		return FormatText
	}
	return FormatBinary
}

// DetectImageMediaType returns the MIME type for image data,
// falling back to application/octet-stream.
func DetectImageMediaType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, gif87Magic), bytes.HasPrefix(data, gif89Magic):
		return "image/gif"
	case isWebP(data):
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func isImage(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic) ||
		bytes.HasPrefix(data, jpegMagic) ||
		bytes.HasPrefix(data, gif87Magic) ||
		bytes.HasPrefix(data, gif89Magic) ||
		isWebP(data)
}

func isWebP(data []byte) bool {
	return bytes.HasPrefix(data, []byte("RIFF")) && len(data) > 12 && bytes.Equal(data[8:12], []byte("WEBP"))
}

// isPrintableText reports whether data is valid UTF-8 with no control
// characters other than newline, carriage return, and tab.
func isPrintableText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		switch r {
		case '\n', '\r', '\t':
			continue
		}
		if r < ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
