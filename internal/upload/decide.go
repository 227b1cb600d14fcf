// Package upload routes uploaded assets to a storage destination and runs
// the write path with its fallbacks.
package upload

import (
	"fmt"

	"foliocache/internal/config"
	"foliocache/internal/media"
)

type Destination int

const (
	Remote Destination = iota + 1
	Committed
	Rejected
)

func (d Destination) String() string {
	switch d {
	case Remote:
		return "remote"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("destination(%d)", int(d))
	}
}

// MarshalText renders the destination name in JSON.
func (d Destination) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Destination) UnmarshalText(b []byte) error {
	switch string(b) {
	case "remote":
		*d = Remote
	case "committed":
		*d = Committed
	case "rejected":
		*d = Rejected
	default:
		return fmt.Errorf("unknown destination %q", b)
	}
	return nil
}

// Decision reasons are user facing.
const (
	ReasonTooLarge      = "exceeds maximum supported size"
	ReasonLargeVideo    = "large video on CDN"
	ReasonSmallVideo    = "small video in repository for offline access"
	ReasonDocument      = "document stored in repository"
	ReasonLargeImage    = "large image stored locally"
	ReasonImage         = "CDN-optimized"
	ReasonDefault       = "default"
	ReasonGalleryForced = "gallery image forced to CDN"
)

type Decision struct {
	Destination Destination `json:"destination"`
	Reason      string      `json:"reason"`
	// Forced is set for gallery images; a forced Remote never falls back.
	Forced bool `json:"forced"`
}

// Candidate is an asset waiting for a destination.
type Candidate struct {
	Name      string
	Bytes     []byte
	Extension string
	SizeBytes int64
	Kind      media.Kind
	Gallery   bool
}

// NewCandidate derives extension, size and kind from name and data.
func NewCandidate(name string, data []byte, gallery bool) Candidate {
	ext := media.Extension(name)
	return Candidate{
		Name:      name,
		Bytes:     data,
		Extension: ext,
		SizeBytes: int64(len(data)),
		Kind:      media.KindFromExtension(ext),
		Gallery:   gallery,
	}
}

// Thresholds are byte counts.
type Thresholds struct {
	VideoMax       int64
	VideoRemoteMin int64
	ImageLocalMin  int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		VideoMax:       100_000_000,
		VideoRemoteMin: 25_000_000,
		ImageLocalMin:  10_000_000,
	}
}

func ThresholdsFromConfig(cfg config.Config) Thresholds {
	return Thresholds{
		VideoMax:       cfg.VideoMaxBytes(),
		VideoRemoteMin: cfg.VideoRemoteMinBytes(),
		ImageLocalMin:  cfg.ImageLocalMinBytes(),
	}
}

// Decide is a pure function of the candidate and thresholds.
func Decide(c Candidate, th Thresholds) Decision {
	if c.Gallery {
		return Decision{Destination: Remote, Reason: ReasonGalleryForced, Forced: true}
	}
	switch c.Kind {
	case media.Video:
		switch {
		case c.SizeBytes > th.VideoMax:
			return Decision{Destination: Rejected, Reason: ReasonTooLarge}
		case c.SizeBytes >= th.VideoRemoteMin:
			return Decision{Destination: Remote, Reason: ReasonLargeVideo}
		default:
			return Decision{Destination: Committed, Reason: ReasonSmallVideo}
		}
	case media.Document:
		return Decision{Destination: Committed, Reason: ReasonDocument}
	case media.Image:
		if c.SizeBytes > th.ImageLocalMin {
			return Decision{Destination: Committed, Reason: ReasonLargeImage}
		}
		return Decision{Destination: Remote, Reason: ReasonImage}
	default:
		return Decision{Destination: Committed, Reason: ReasonDefault}
	}
}
