// Package media holds the data types shared across the TS fan-out
// pipeline: stream identity, packets, and GOP batches. The fan-out
// machinery itself lives in the tscache, ring, source, and registry
// subpackages.
package media

import (
	"net/url"
	"strings"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
)

// Info identifies a media stream by the (schema, vhost, app, streamID)
// quadruple used as the registry key, plus opaque query parameters
// propagated to authorization events. Parsed either from the SRT
// stream_id grammar (`vhost/app/stream?k=v`, no scheme) or from a full
// `scheme://vhost/app/stream?k=v` URL.
type Info struct {
	Schema   string
	Vhost    string
	App      string
	StreamID string
	Params   map[string]string
}

// VHost, AppName, StreamName satisfy logger.SourceInfo.
func (i Info) VHost() string      { return i.Vhost }
func (i Info) AppName() string    { return i.App }
func (i Info) StreamName() string { return i.StreamID }

// Key returns the registry lookup key for this identity.
func (i Info) Key() string {
	return i.Schema + "://" + i.Vhost + "/" + i.App + "/" + i.StreamID
}

// defaultVhost is used when a stream_id omits the vhost segment.
const defaultVhost = "__defaultVhost__"

// ParseStreamID parses the SRT handshake's stream_id field:
// "vhost/app/stream?k1=v1&k2=v2". Absent vhost/app default to
// defaultVhost/"" respectively; the schema is always "ts" for this
// grammar since SRT carries nothing else. Returns BadStreamIDError for
// an empty or segment-less id.
func ParseStreamID(raw string) (Info, error) {
	if strings.TrimSpace(raw) == "" {
		return Info{}, srterrors.NewBadStreamID(raw)
	}

	path, query, _ := strings.Cut(raw, "?")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	segments = nonEmpty(segments)
	if len(segments) == 0 {
		return Info{}, srterrors.NewBadStreamID(raw)
	}

	var vhost, app, stream string
	switch len(segments) {
	case 1:
		vhost, app, stream = defaultVhost, "", segments[0]
	case 2:
		vhost, app, stream = defaultVhost, segments[0], segments[1]
	default:
		vhost, app, stream = segments[0], segments[1], strings.Join(segments[2:], "/")
	}
	if stream == "" {
		return Info{}, srterrors.NewBadStreamID(raw)
	}

	return Info{
		Schema:   "ts",
		Vhost:    vhost,
		App:      app,
		StreamID: stream,
		Params:   parseParams(query),
	}, nil
}

// ParseURL parses a full "scheme://vhost/app/stream?k=v" identity string,
// the form that Info.Key() produces.
func ParseURL(raw string) (Info, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Info{}, srterrors.NewProtocol("parse.media_info_url", err)
	}
	segments := nonEmpty(strings.Split(strings.Trim(u.Path, "/"), "/"))
	var app, stream string
	switch len(segments) {
	case 0:
	case 1:
		stream = segments[0]
	default:
		app, stream = segments[0], strings.Join(segments[1:], "/")
	}
	return Info{
		Schema:   u.Scheme,
		Vhost:    u.Host,
		App:      app,
		StreamID: stream,
		Params:   parseParams(u.RawQuery),
	}, nil
}

// IsPublish reports whether params carry type=push, the SRT convention
// for distinguishing publishers from players on the same stream_id grammar.
func (i Info) IsPublish() bool {
	return i.Params["type"] == "push"
}

func parseParams(query string) map[string]string {
	out := map[string]string{}
	if query == "" {
		return out
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if k == "" {
			continue
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		out[k] = v
	}
	return out
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
