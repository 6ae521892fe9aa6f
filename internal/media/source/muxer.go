package source

import "github.com/alxayo/go-srt-live/internal/media"

// PassthroughMuxer is the concrete Muxer this system constructs for
// every publisher: since the fan-out format is MPEG-TS itself (no
// transcoding, spec.md's non-goal), the "muxer" is simply the bridge
// from demuxed frames back into the source's GOP grouper. track_add /
// add_track_completed are accepted but unused here -- this system has
// no alternate container target (HLS/FLV) to route them to -- recorded
// as a no-op rather than as a dropped capability, since a future muxer
// target plugs in at exactly this seam.
type PassthroughMuxer struct {
	src *Source
}

// NewPassthroughMuxer binds a Muxer to src, constructed once publish
// authorization succeeds (spec.md §4.6 item 4).
func NewPassthroughMuxer(src *Source) *PassthroughMuxer {
	return &PassthroughMuxer{src: src}
}

func (m *PassthroughMuxer) AddTrack(track any)     {}
func (m *PassthroughMuxer) AddTrackCompleted()      {}
func (m *PassthroughMuxer) SetMediaListener(l any)  {}
func (m *PassthroughMuxer) TotalReaderCount() int   { return m.src.Ring.ReaderCount() }

// InputFrame accepts a media.Packet (the tsdemux boundary's output,
// adapted via tsdemux.Frame.ToPacket) and forwards it to the source's
// GOP grouper. Any other payload type is rejected.
func (m *PassthroughMuxer) InputFrame(frame any) bool {
	pkt, ok := frame.(media.Packet)
	if !ok {
		return false
	}
	m.src.OnWrite(pkt)
	return true
}
