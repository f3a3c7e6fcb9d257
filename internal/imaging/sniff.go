package imaging

import "bytes"

// SniffLen is the number of header bytes Sniff needs to identify any
// registered codec. WebP has the longest signature (RIFF????WEBP).
const SniffLen = 12

// Sniff identifies a codec from the leading bytes of an encoded image.
// It returns the canonical format name, or "" when no registered decoder
// claims the header. It never consumes the stream; callers that cannot seek
// must stitch the sniffed bytes back in front of the remainder.
func Sniff(header []byte) string {
	switch {
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(header, []byte("\xff\xd8\xff")):
		return "jpeg"
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return "gif"
	case len(header) >= 12 && bytes.HasPrefix(header, []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(header, []byte("BM")):
		return "bmp"
	case bytes.HasPrefix(header, []byte("II*\x00")), bytes.HasPrefix(header, []byte("MM\x00*")):
		return "tiff"
	}
	return ""
}
