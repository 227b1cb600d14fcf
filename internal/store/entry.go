package store

import (
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// HeaderFetchedAt is stamped on every stored entry.
const HeaderFetchedAt = "X-Fetched-At"

// RequestKey identifies a cached response: upper-case method, a space, and
// the absolute URL.
type RequestKey string

func Key(method, absURL string) RequestKey {
	return RequestKey(strings.ToUpper(method) + " " + absURL)
}

// URL returns the URL half of the key.
func (k RequestKey) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

type Entry struct {
	Key       RequestKey
	Status    int
	Header    http.Header
	Body      []byte
	SizeBytes int64
	FetchedAt time.Time
	Hash32    uint32
}

// NewEntry builds an entry and stamps its headers with the fetch time so a
// copy served later still carries it.
func NewEntry(key RequestKey, status int, header http.Header, body []byte, fetchedAt time.Time) Entry {
	h := cloneHeader(header)
	h.Del("Content-Length")
	if h.Get("Date") == "" {
		h.Set("Date", fetchedAt.UTC().Format(http.TimeFormat))
	}
	h.Set(HeaderFetchedAt, fetchedAt.UTC().Format(time.RFC3339Nano))
	return Entry{
		Key:       key,
		Status:    status,
		Header:    h,
		Body:      body,
		SizeBytes: int64(len(body)),
		FetchedAt: fetchedAt,
		Hash32:    crc32.ChecksumIEEE(body),
	}
}

// IsStale reports whether the entry is older than after. A zero after
// never goes stale.
func (e Entry) IsStale(now time.Time, after time.Duration) bool {
	if after <= 0 {
		return false
	}
	return now.Sub(e.FetchedAt) > after
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
