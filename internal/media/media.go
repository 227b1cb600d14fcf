// Package media classifies assets by file extension.
package media

import (
	"net/url"
	"path"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	Image
	Video
	Document
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	case Document:
		return "document"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of String. Anything unrecognized is Unknown.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image":
		return Image
	case "video":
		return Video
	case "document":
		return Document
	default:
		return Unknown
	}
}

var byExtension = map[string]Kind{
	"jpg": Image, "jpeg": Image, "png": Image, "gif": Image,
	"webp": Image, "svg": Image, "avif": Image, "bmp": Image,

	"mp4": Video, "webm": Video, "mov": Video, "m4v": Video,
	"avi": Video, "mkv": Video,

	"pdf": Document, "doc": Document, "docx": Document, "txt": Document,
}

// Extension returns the lower-case extension of name without the dot.
func Extension(name string) string {
	ext := path.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// KindFromExtension accepts "png", ".png" or "PNG".
func KindFromExtension(ext string) Kind {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	return byExtension[ext]
}

// KindOfURL classifies a URL by the extension of its path.
func KindOfURL(u *url.URL) Kind {
	if u == nil {
		return Unknown
	}
	return KindFromExtension(Extension(u.Path))
}

// ContentType is a best-effort MIME type for ext, used for uploads and
// placeholders.
func ContentType(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "svg":
		return "image/svg+xml"
	case "avif":
		return "image/avif"
	case "mp4", "m4v":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	case "pdf":
		return "application/pdf"
	case "txt":
		return "text/plain; charset=utf-8"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
