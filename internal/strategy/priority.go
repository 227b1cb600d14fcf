package strategy

import (
	"fmt"
	"strings"
)

// Priority is the load priority a caller asks for.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Header is the RFC 9218 Priority request header value.
func (p Priority) Header() string {
	switch p {
	case High:
		return "u=0"
	case Low:
		return "u=5"
	default:
		return "u=3"
	}
}
