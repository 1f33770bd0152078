// Package media holds the renderer-facing content tables: MIME types tuned for
// DLNA renderers, DLNA profile names and served-filename normalization.
package media

import (
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultContentType = "application/octet-stream"
	defaultStem        = "media"

	// DLNA.ORG_OP=01 enables byte seeking; DLNA.ORG_CI=0 marks the content unconverted.
	dlnaOperations = "01"
	dlnaConversion = "0"
	dlnaFlags      = "01700000000000000000000000000000"
)

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/avi",
	".mov":  "video/quicktime",
	".ts":   "video/MP2T",
	".m2ts": "video/MP2T",
	".mts":  "video/MP2T",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".wmv":  "video/x-ms-wmv",
	".webm": "video/webm",
	".flv":  "video/x-flv",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".srt":  "text/plain",
	".vtt":  "text/vtt",
}

var dlnaProfiles = map[string]string{
	".mp4":  "AVC_MP4_HP_HD_AAC",
	".m4v":  "AVC_MP4_HP_HD_AAC",
	".ts":   "MPEG_TS_HD_NA_ISO",
	".m2ts": "MPEG_TS_HD_NA_ISO",
	".mts":  "MPEG_TS_HD_NA_ISO",
	".mpg":  "MPEG_PS_NTSC",
	".mpeg": "MPEG_PS_NTSC",
	".avi":  "AVI",
	".mkv":  "MKV",
	".wmv":  "WMVHIGH_FULL",
	".mp3":  "MP3",
	".m4a":  "AAC_ISO_320",
	".jpg":  "JPEG_LRG",
	".jpeg": "JPEG_LRG",
	".png":  "PNG_LRG",
}

// Ext returns the lower-cased extension of a filesystem path or URL path.
func Ext(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(path.Ext(filepath.ToSlash(name)))
}

// ContentType returns the renderer-compatible MIME type for a filename.
func ContentType(name string) string {
	if ct, ok := contentTypes[Ext(name)]; ok {
		return ct
	}
	return defaultContentType
}

// Profile returns the DLNA profile name for a filename, if one is known.
func Profile(name string) (string, bool) {
	p, ok := dlnaProfiles[Ext(name)]
	return p, ok
}

// ContentFeatures builds the contentFeatures.dlna.org value for a filename.
// It returns "" when no profile mapping exists.
func ContentFeatures(name string) string {
	profile, ok := Profile(name)
	if !ok {
		return ""
	}
	return "DLNA.ORG_PN=" + profile +
		";DLNA.ORG_OP=" + dlnaOperations +
		";DLNA.ORG_CI=" + dlnaConversion +
		";DLNA.ORG_FLAGS=" + dlnaFlags
}

// ProtocolInfo builds the DIDL-Lite res@protocolInfo attribute for a filename.
func ProtocolInfo(name string) string {
	features := ContentFeatures(name)
	if features == "" {
		features = "*"
	}
	return "http-get:*:" + ContentType(name) + ":" + features
}

var fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeFilename maps a filename onto the served-name alphabet: accents are
// folded to ASCII, letters lower-cased and anything outside [a-z0-9] dropped
// from both the stem and the extension.
func NormalizeFilename(name string) string {
	base := path.Base(filepath.ToSlash(strings.TrimSpace(name)))
	if base == "." || base == "/" {
		base = ""
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stem = alnum(stem)
	if stem == "" {
		stem = defaultStem
	}
	ext = alnum(ext)
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

func alnum(s string) string {
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
