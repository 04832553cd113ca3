// Package ingest opens the relay's single input byte stream: standard
// input, a file, or an SRT connection in listener or caller mode.
package ingest

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind identifies where the ingest bytes come from.
type Kind string

// Source kinds.
const (
	KindStdin     Kind = "stdin"
	KindFile      Kind = "file"
	KindSRTListen Kind = "srt-listen"
	KindSRTCall   Kind = "srt-call"
)

// ErrInvalidSource is returned by ParseSource for malformed SRT URLs.
var ErrInvalidSource = errors.New("ingest: invalid source")

// Source is a parsed ingest location.
type Source struct {
	Kind Kind
	// Path is the file path for KindFile.
	Path string
	// Addr is host:port for the SRT kinds. A listener with an empty host
	// binds every interface.
	Addr string
	// StreamID is the SRT stream ID to request (caller) or require
	// (listener). Empty means any.
	StreamID string
}

// ParseSource interprets an input argument. "-" and "" select standard
// input. srt://host:port dials a remote listener and srt://:port waits for
// a publisher; ?mode=listener or ?mode=caller overrides the choice and
// ?streamid= sets the stream ID. Anything else is a file path.
func ParseSource(s string) (Source, error) {
	if s == "" || s == "-" {
		return Source{Kind: KindStdin}, nil
	}
	if !strings.HasPrefix(s, "srt://") {
		return Source{Kind: KindFile, Path: s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if u.Port() == "" {
		return Source{}, fmt.Errorf("%w: %q has no port", ErrInvalidSource, s)
	}

	q := u.Query()
	src := Source{
		Addr:     net.JoinHostPort(u.Hostname(), u.Port()),
		StreamID: q.Get("streamid"),
	}
	switch mode := q.Get("mode"); mode {
	case "":
		src.Kind = KindSRTCall
		if u.Hostname() == "" {
			src.Kind = KindSRTListen
		}
	case "listener":
		src.Kind = KindSRTListen
	case "caller":
		if u.Hostname() == "" {
			return Source{}, fmt.Errorf("%w: caller mode needs a host in %q", ErrInvalidSource, s)
		}
		src.Kind = KindSRTCall
	default:
		return Source{}, fmt.Errorf("%w: unknown SRT mode %q", ErrInvalidSource, mode)
	}
	return src, nil
}

func (s Source) String() string {
	switch s.Kind {
	case KindStdin:
		return "-"
	case KindFile:
		return s.Path
	}
	v := url.Values{}
	if s.Kind == KindSRTListen {
		v.Set("mode", "listener")
	} else {
		v.Set("mode", "caller")
	}
	if s.StreamID != "" {
		v.Set("streamid", s.StreamID)
	}
	return (&url.URL{Scheme: "srt", Host: s.Addr, RawQuery: v.Encode()}).String()
}
