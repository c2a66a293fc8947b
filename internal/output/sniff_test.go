package output

import "testing"

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, FormatImage},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, FormatImage},
		{"gif", []byte("GIF89a......"), FormatImage},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBP"), []byte("VP8 ")...), FormatImage},
		{"mp4", append([]byte{0x00, 0x00, 0x00, 0x20}, []byte("ftypisom\x00\x00\x02\x00")...), FormatVideo},
		{"text", []byte("Hello, world!"), FormatText},
		{"text with newlines", []byte("line1\nline2\ttab\r\n"), FormatText},
		{"unicode text", []byte("héllo wörld ✓"), FormatText},
		{"null bytes", []byte{0x00, 0x01, 0x02, 0x03}, FormatBinary},
		{"control chars", []byte("abc\x01def"), FormatBinary},
		{"invalid utf8", []byte{0xff, 0xfe, 0x41}, FormatBinary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectFormat(tc.data); got != tc.want {
				t.Errorf("DetectFormat = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetectImageMediaType(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte{0x89, 0x50, 0x4E, 0x47}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
		{"gif87", []byte("GIF87a"), "image/gif"},
		{"gif89", []byte("GIF89a"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"unknown", []byte("not an image"), "application/octet-stream"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectImageMediaType(tc.data); got != tc.want {
				t.Errorf("DetectImageMediaType = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatExtension(t *testing.T) {
	cases := map[Format]string{
		FormatText:   "txt",
		FormatAuto:   "txt",
		FormatImage:  "bin",
		FormatBinary: "bin",
		FormatVideo:  "mp4",
	}
	for format, want := range cases {
		if got := format.Extension(); got != want {
			t.Errorf("%v.Extension() = %q, want %q", format, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if got := ParseFormat("image"); got != FormatImage {
		t.Errorf("ParseFormat(image) = %v", got)
	}
	if got := ParseFormat(""); got != FormatAuto {
		t.Errorf("ParseFormat(empty) = %v, want auto", got)
	}
	if got := ParseFormat("nonsense"); got != FormatAuto {
		t.Errorf("ParseFormat(nonsense) = %v, want auto", got)
	}
}
