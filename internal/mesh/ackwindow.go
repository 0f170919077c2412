package mesh

// ackWindow is the per-remote-sender sliding acknowledgment window: highest
// is the greatest sequence seen, and bit k of bits means sequence highest-k
// was seen (bit 0 is highest itself).
type ackWindow struct {
	highest uint64
	bits    uint64
}

// track records an inbound sequence number. Sequences more than 64 behind
// highest are outside the window and ignored; treating them as already
// acknowledged is the duplicate-tolerant default.
func (w *ackWindow) track(seq uint64) {
	if seq > w.highest {
		shift := seq - w.highest
		if shift >= 64 {
			w.bits = 0
		} else {
			w.bits <<= shift
		}
		w.bits |= 1
		w.highest = seq
		return
	}
	diff := w.highest - seq
	if diff < 64 {
		w.bits |= 1 << diff
	}
}

// state returns the (ack, ack_bits) pair to put on the wire. The cumulative
// ack is highest; ack_bits is shifted down one so that bit j refers to
// sequence ack-1-j, matching the apply rule below.
func (w *ackWindow) state() (uint64, uint64) {
	return w.highest, w.bits >> 1
}

// ackCovers reports whether an incoming (ack, ackBits) pair acknowledges
// pending sequence p: p == ack, or p < ack with bit (ack-p-1) set.
func ackCovers(ack, ackBits, p uint64) bool {
	if p == ack {
		return true
	}
	if p > ack {
		return false
	}
	offset := ack - p - 1
	if offset >= 64 {
		return false
	}
	return ackBits>>offset&1 == 1
}
