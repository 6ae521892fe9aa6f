package media

// Packet is one TS payload unit (typically 188 x N bytes), tagged with
// the fields the ring and GOP grouper need. Payload is owned by the
// packet once constructed; callers must not mutate it after handing it
// to a Batcher or Ring.
type Packet struct {
	Timestamp int64
	Key       bool
	Video     bool
	Payload   []byte
}

// Size returns the payload length in bytes.
func (p Packet) Size() int { return len(p.Payload) }

// Batch is an ordered, non-empty sequence of packets produced by a GOP
// grouper flush. KeyPos is true iff the batch begins a new GOP -- the
// ring rotates its cached tail only on such batches.
type Batch struct {
	Packets []Packet
	KeyPos  bool
}

// Size is the total payload size across all packets in the batch.
func (b Batch) Size() int {
	n := 0
	for _, p := range b.Packets {
		n += p.Size()
	}
	return n
}

// Valid reports the batch invariant: non-empty, and if KeyPos or any
// packet is tagged Key, the first packet carries Key=true.
func (b Batch) Valid() bool {
	if len(b.Packets) == 0 {
		return false
	}
	anyKey := b.KeyPos
	for _, p := range b.Packets {
		if p.Key {
			anyKey = true
		}
	}
	return !anyKey || b.Packets[0].Key
}
