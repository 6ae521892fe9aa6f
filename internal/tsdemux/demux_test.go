package tsdemux

import "testing"

func tsPacket(pid int, pusi bool, payload []byte) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pusiBit := byte(0)
	if pusi {
		pusiBit = 0x40
	}
	pkt[1] = pusiBit | byte(pid>>8)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // payload only, no adaptation, continuity 0
	n := copy(pkt[4:], payload)
	for i := 4 + n; i < packetSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

func patPayload(pmtPID int) []byte {
	section := []byte{
		0x00,       // table id
		0xB0, 0x0D, // section_syntax + length=13
		0x00, 0x01, // transport stream id
		0xC1, 0x00, 0x00, // version/current, section, last section
		0x00, 0x01, // program number 1
		byte(0xE0 | (pmtPID >> 8)), byte(pmtPID),
		0, 0, 0, 0, // fake CRC32
	}
	return append([]byte{0x00}, section...) // pointer field 0
}

func pmtPayload(videoPID int) []byte {
	section := []byte{
		0x02,
		0xB0, 0x12, // length = 18
		0x00, 0x01,
		0xC1, 0x00, 0x00,
		byte(0xE0 | (videoPID >> 8)), byte(videoPID), // PCR PID (unused)
		0xF0, 0x00, // program_info_length = 0
		streamTypeH264,
		byte(0xE0 | (videoPID >> 8)), byte(videoPID),
		0xF0, 0x00, // ES info length 0
		0, 0, 0, 0, // fake CRC
	}
	return append([]byte{0x00}, section...)
}

func pesPayload(idr bool) []byte {
	hdr := []byte{
		0x00, 0x00, 0x01, 0xE0, // start code + stream id (video)
		0x00, 0x00, // PES packet length (0 = unbounded, fine for test)
		0x80, 0x00, // flags, no PTS
		0x00, // header_data_length = 0
	}
	nalType := byte(1)
	if idr {
		nalType = 5
	}
	es := []byte{0x00, 0x00, 0x00, 0x01, nalType, 0xAA, 0xBB}
	return append(hdr, es...)
}

func TestDemuxPATPMTAndKeyframe(t *testing.T) {
	d := New()

	if _, err := d.Write(tsPacket(0x0000, true, patPayload(0x20))); err != nil {
		t.Fatalf("PAT: %v", err)
	}
	if _, err := d.Write(tsPacket(0x20, true, pmtPayload(0x21))); err != nil {
		t.Fatalf("PMT: %v", err)
	}
	if d.VideoCodec() != "h264" {
		t.Fatalf("expected h264 discovered, got %q", d.VideoCodec())
	}

	frames, err := d.Write(tsPacket(0x21, true, pesPayload(true)))
	if err != nil {
		t.Fatalf("PES: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frame until PES closes out, got %d", len(frames))
	}

	// A second PUSI packet closes out the first PES.
	frames, err = d.Write(tsPacket(0x21, true, pesPayload(false)))
	if err != nil {
		t.Fatalf("PES2: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 closed-out frame, got %d", len(frames))
	}
	if !frames[0].Key {
		t.Fatalf("expected first frame to be classified as a keyframe")
	}
	if !frames[0].Video {
		t.Fatalf("expected frame classified as video")
	}
}

func TestWriteRejectsBadSyncByte(t *testing.T) {
	d := New()
	bad := make([]byte, packetSize)
	bad[0] = 0x00
	if _, err := d.Write(bad); err == nil {
		t.Fatalf("expected sync byte error")
	}
}
