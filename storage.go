package pagegen

import (
	"path/filepath"
	"strconv"
	"strings"
)

// GetMIMEType guesses an image MIME type from a file name.
func GetMIMEType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

// ExtensionFromMIME returns a file extension for common image MIME types.
func ExtensionFromMIME(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// SniffMIMEType detects PNG, JPEG, GIF and WebP from magic bytes, falling
// back to image/png.
func SniffMIMEType(data []byte) string {
	switch {
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return "image/gif"
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	default:
		return "image/png"
	}
}

// PageFileName is the file name of a page image inside a batch directory.
func PageFileName(pageIndex int, mime string) string {
	return strconv.Itoa(pageIndex) + "." + ExtensionFromMIME(mime)
}

// ParsePageFileName extracts the page index from a PageFileName.
func ParsePageFileName(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx, err := strconv.Atoi(base)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// ImageRef is the storage reference of a page image: "<batch_id>/<page>.<ext>".
func ImageRef(batchID string, pageIndex int, mime string) string {
	return batchID + "/" + PageFileName(pageIndex, mime)
}

// ParseImageRef splits an ImageRef.
func ParseImageRef(ref string) (batchID string, pageIndex int, ok bool) {
	batchID, name, found := strings.Cut(ref, "/")
	if !found || !SafeID(batchID) {
		return "", 0, false
	}
	pageIndex, ok = ParsePageFileName(name)
	return batchID, pageIndex, ok
}

// SafeID reports whether id can be used as a single path element.
func SafeID(id string) bool {
	return id != "" &&
		!strings.HasPrefix(id, ".") &&
		!strings.ContainsAny(id, `/\`) &&
		!strings.ContainsRune(id, 0)
}
