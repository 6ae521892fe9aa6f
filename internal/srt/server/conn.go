package server

import (
	"io"

	"github.com/datarhei/gosrt"

	"github.com/alxayo/go-srt-live/internal/media"
	"github.com/alxayo/go-srt-live/internal/srt/transport"
	"github.com/alxayo/go-srt-live/internal/tsdemux"
)

// srtSender adapts a transport.ConnRequest's accepted connection into
// session.Sender, serializing each Batch's packets onto the SRT
// connection in timestamp/key order (SRT itself framing the datagram
// boundaries; no further length-prefixing is needed since gosrt
// preserves message boundaries per write).
type srtSender struct {
	conn srt.Conn
}

func newSRTSender(req transport.ConnRequest) (*srtSender, error) {
	conn, err := req.Accept()
	if err != nil {
		return nil, err
	}
	return &srtSender{conn: conn}, nil
}

func (s *srtSender) SendBatch(b media.Batch) error {
	for _, pkt := range b.Packets {
		if _, err := s.conn.Write(pkt.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *srtSender) Close() error { return s.conn.Close() }

// publisherReadLoop drains raw TS payload off an accepted SRT connection,
// demuxes it into frames, and forwards each to the session's InputFrame,
// matching the teacher's per-connection read-goroutine idiom
// (internal/rtmp/conn/conn.go's readLoop).
type frameInput interface {
	InputFrame(frame any)
	OnPacketWritten(n int)
}

func publisherReadLoop(conn srt.Conn, sess frameInput, onErr func(error)) {
	d := tsdemux.New()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sess.OnPacketWritten(n)
			frames, derr := d.Write(buf[:n])
			for _, f := range frames {
				sess.InputFrame(f.ToPacket())
			}
			if derr != nil {
				onErr(derr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				onErr(err)
			}
			return
		}
	}
}
