package strategy

import (
	"net/http"
	"net/url"

	"foliocache/internal/media"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">` +
	`<rect width="400" height="300" fill="#e5e7eb"/>` +
	`<text x="200" y="155" font-family="sans-serif" font-size="18" fill="#6b7280" text-anchor="middle">Offline</text>` +
	`</svg>`

const placeholderJSON = `{"error":"offline","offline":true,"data":null}`

const placeholderHTML = `<!doctype html><html><head><meta charset="utf-8"><title>Offline</title></head>` +
	`<body><h1>You are offline</h1><p>This page is not available offline yet.</p></body></html>`

// isVisualMedia is true for the Media class and for image or video URLs in
// any class.
func isVisualMedia(class Class, u *url.URL) bool {
	if class == Media {
		return true
	}
	switch media.KindOfURL(u) {
	case media.Image, media.Video:
		return true
	}
	return false
}

// placeholder builds the typed offline payload for a request that could not
// be served from network or cache.
func placeholder(class Class, u *url.URL) *Response {
	h := make(http.Header)
	h.Set("Cache-Control", "no-store")
	switch {
	case isVisualMedia(class, u):
		h.Set("Content-Type", "image/svg+xml")
		return &Response{Status: http.StatusOK, Header: h, Body: []byte(placeholderSVG)}
	case class == NetworkFirstData:
		h.Set("Content-Type", "application/json")
		return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(placeholderJSON)}
	default:
		h.Set("Content-Type", "text/html; charset=utf-8")
		return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(placeholderHTML)}
	}
}
