// Package tsdemux is a minimal, non-transcoding MPEG-TS walker: enough
// PAT/PMT/PES parsing to locate the video/audio elementary streams and
// recognize a keyframe access unit, never enough to decode payload.
// Grounded on the teacher's codec-sniffing shape in
// internal/rtmp/media/codec_detector.go (peek at a few leading bytes of
// a payload to classify a codec, nothing more) generalized from FLV/AVC
// sequence headers to TS PAT/PMT table ids and H.264/HEVC NAL headers.
package tsdemux

import (
	"encoding/binary"

	"github.com/alxayo/go-srt-live/internal/bufpool"
	srterrors "github.com/alxayo/go-srt-live/internal/errors"
	"github.com/alxayo/go-srt-live/internal/media"
)

const (
	packetSize  = 188
	syncByte    = 0x47
	patPID      = 0x0000
	streamTypeH264 = 0x1B
	streamTypeHEVC = 0x24
	streamTypeAAC  = 0x0F
	streamTypeAAC2 = 0x11 // LATM
)

// Frame is one demuxed elementary-stream access unit, ready for the
// GOP grouper (internal/media/tscache).
type Frame struct {
	PID       int
	Video     bool
	Key       bool
	Timestamp int64 // 90kHz PTS if present, else carried forward
	Payload   []byte
}

// Demuxer holds the minimal PAT/PMT state needed to classify packets
// arriving on a single transport stream. Not safe for concurrent use;
// one Demuxer per publishing session, matching the teacher's
// one-codec-detector-per-connection lifetime.
type Demuxer struct {
	pmtPID     int
	videoPID   int
	audioPID   int
	videoCodec string
	audioCodec string

	pes map[int]*pesAssembly
}

type pesAssembly struct {
	pid     int
	video   bool
	buf     []byte
	pts     int64
	started bool
}

// New constructs a Demuxer with no PMT discovered yet.
func New() *Demuxer {
	return &Demuxer{pmtPID: -1, videoPID: -1, audioPID: -1, pes: map[int]*pesAssembly{}}
}

// VideoCodec/AudioCodec return the discovered stream_type-derived codec
// name ("h264", "hevc", "aac"), empty until the PMT has been seen.
func (d *Demuxer) VideoCodec() string { return d.videoCodec }
func (d *Demuxer) AudioCodec() string { return d.audioCodec }

// Write feeds one or more concatenated 188-byte TS packets, returning
// any fully-assembled frames produced. Malformed input (wrong sync byte,
// bad adaptation or pointer field) yields a ProtocolError; the caller
// decides whether to drop the session or resync. Trailing bytes short of
// a whole packet are discarded without error.
func (d *Demuxer) Write(buf []byte) ([]Frame, error) {
	var frames []Frame
	for len(buf) >= packetSize {
		pkt := buf[:packetSize]
		buf = buf[packetSize:]
		if pkt[0] != syncByte {
			return frames, srterrors.NewProtocol("ts.sync_byte", nil)
		}
		fs, err := d.onPacket(pkt)
		if err != nil {
			return frames, err
		}
		frames = append(frames, fs...)
	}
	return frames, nil
}

func (d *Demuxer) onPacket(pkt []byte) ([]Frame, error) {
	pusi := pkt[1]&0x40 != 0
	pid := int(binary.BigEndian.Uint16(pkt[1:3]) & 0x1FFF)
	adaptation := (pkt[3] >> 4) & 0x3
	hasPayload := adaptation == 0x1 || adaptation == 0x3

	payload := pkt[4:]
	if adaptation == 0x2 || adaptation == 0x3 {
		adaptLen := int(pkt[4])
		if 5+adaptLen > packetSize {
			return nil, srterrors.NewProtocol("ts.adaptation_field", nil)
		}
		payload = pkt[5+adaptLen:]
	}
	if !hasPayload {
		return nil, nil
	}

	isPSI := pid == patPID || pid == d.pmtPID
	if isPSI && pusi && len(payload) > 0 {
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			return nil, srterrors.NewProtocol("ts.pointer_field", nil)
		}
		payload = payload[1+pointer:]
	}

	switch {
	case pid == patPID:
		d.parsePAT(payload)
		return nil, nil
	case pid == d.pmtPID:
		d.parsePMT(payload)
		return nil, nil
	case pid == d.videoPID || pid == d.audioPID:
		return d.collectPES(pid, pusi, payload)
	}
	return nil, nil
}

func (d *Demuxer) parsePAT(payload []byte) {
	if len(payload) < 8 {
		return
	}
	sectionLen := int(binary.BigEndian.Uint16(payload[1:3]) & 0x0FFF)
	end := 3 + sectionLen - 4 // exclude CRC32
	if end > len(payload) {
		end = len(payload)
	}
	for i := 8; i+4 <= end; i += 4 {
		programNumber := binary.BigEndian.Uint16(payload[i : i+2])
		pid := int(binary.BigEndian.Uint16(payload[i+2:i+4]) & 0x1FFF)
		if programNumber != 0 {
			d.pmtPID = pid
			return
		}
	}
}

func (d *Demuxer) parsePMT(payload []byte) {
	if len(payload) < 12 {
		return
	}
	sectionLen := int(binary.BigEndian.Uint16(payload[1:3]) & 0x0FFF)
	programInfoLen := int(binary.BigEndian.Uint16(payload[10:12]) & 0x0FFF)
	pos := 12 + programInfoLen
	end := 3 + sectionLen - 4
	if end > len(payload) {
		end = len(payload)
	}
	for pos+5 <= end {
		streamType := payload[pos]
		elemPID := int(binary.BigEndian.Uint16(payload[pos+1:pos+3]) & 0x1FFF)
		esInfoLen := int(binary.BigEndian.Uint16(payload[pos+3:pos+5]) & 0x0FFF)

		switch streamType {
		case streamTypeH264:
			d.videoPID, d.videoCodec = elemPID, "h264"
		case streamTypeHEVC:
			d.videoPID, d.videoCodec = elemPID, "hevc"
		case streamTypeAAC, streamTypeAAC2:
			d.audioPID, d.audioCodec = elemPID, "aac"
		}
		pos += 5 + esInfoLen
	}
}

// collectPES assembles PES packets per PID, emitting a Frame once the
// next start code (or a later PUSI) closes out the previous one.
func (d *Demuxer) collectPES(pid int, pusi bool, payload []byte) ([]Frame, error) {
	video := pid == d.videoPID
	asm := d.pes[pid]
	if asm == nil {
		asm = &pesAssembly{pid: pid, video: video}
		d.pes[pid] = asm
	}

	var out []Frame
	if pusi {
		if asm.started && len(asm.buf) > 0 {
			out = append(out, d.finishFrame(asm))
		}
		pts, body, err := parsePESHeader(payload)
		if err != nil {
			return out, err
		}
		asm.started = true
		if pts != 0 {
			asm.pts = pts
		}
		asm.buf = bufpool.Get(len(body))
		copy(asm.buf, body)
		return out, nil
	}

	if asm.started {
		asm.buf = append(asm.buf, payload...)
	}
	return out, nil
}

// finishFrame copies the assembled PES body out of the pooled scratch
// buffer into the Frame's own allocation (the Frame outlives this call,
// flowing into the ring/GOP cache, while the scratch buffer is returned
// to bufpool for the next PES on this PID).
func (d *Demuxer) finishFrame(asm *pesAssembly) Frame {
	payload := append([]byte(nil), asm.buf...)
	f := Frame{
		PID:       asm.pid,
		Video:     asm.video,
		Timestamp: asm.pts,
		Payload:   payload,
	}
	if asm.video {
		f.Key = containsKeyframeNAL(payload, d.videoCodec)
	} else {
		f.Key = true // audio access units are always independently playable
	}
	bufpool.Put(asm.buf)
	asm.buf = nil
	asm.started = false
	return f
}

// parsePESHeader strips the PES header, returning the PTS (90kHz, or 0
// if absent) and the remaining elementary-stream body.
func parsePESHeader(b []byte) (int64, []byte, error) {
	if len(b) < 9 || b[0] != 0x00 || b[1] != 0x00 || b[2] != 0x01 {
		return 0, nil, srterrors.NewProtocol("pes.start_code", nil)
	}
	headerDataLen := int(b[8])
	hdrEnd := 9 + headerDataLen
	if hdrEnd > len(b) {
		return 0, nil, srterrors.NewProtocol("pes.header_len", nil)
	}
	var pts int64
	ptsFlags := b[7] >> 6
	if ptsFlags&0x2 != 0 && headerDataLen >= 5 {
		pts = decodePTS(b[9:14])
	}
	return pts, b[hdrEnd:], nil
}

func decodePTS(b []byte) int64 {
	if len(b) < 5 {
		return 0
	}
	pts := int64(b[0]&0x0E) << 29
	pts |= int64(b[1]) << 22
	pts |= int64(b[2]&0xFE) << 14
	pts |= int64(b[3]) << 7
	pts |= int64(b[4]) >> 1
	return pts
}

// containsKeyframeNAL scans for an IDR (H.264 type 5) or a HEVC IRAP
// (type 16-21) NAL unit using Annex-B start codes. Only the NAL header
// byte is inspected; slice payload is never decoded.
func containsKeyframeNAL(buf []byte, codec string) bool {
	for i := 0; i+4 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 {
			var nalStart int
			if buf[i+2] == 1 {
				nalStart = i + 3
			} else if buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1 {
				nalStart = i + 4
			} else {
				continue
			}
			if nalStart >= len(buf) {
				continue
			}
			switch codec {
			case "hevc":
				nalType := (buf[nalStart] >> 1) & 0x3F
				if nalType >= 16 && nalType <= 21 {
					return true
				}
			default: // h264
				nalType := buf[nalStart] & 0x1F
				if nalType == 5 {
					return true
				}
			}
		}
	}
	return false
}

// ToPacket adapts a Frame into the media.Packet the GOP grouper
// consumes, matching the tscache.Sink boundary.
func (f Frame) ToPacket() media.Packet {
	return media.Packet{Timestamp: f.Timestamp, Key: f.Key, Video: f.Video, Payload: f.Payload}
}
