package agent

// TurnBuffer accumulates the raw PCM frames of the utterance currently being
// spoken. Its lifecycle per turn: frames are appended as they arrive from the
// socket; a final transcript flushes them into one linear buffer (and clears
// the frame list); the enrichment step consumes the flushed buffer exactly
// once. Frames arriving after a flush belong to the next utterance and start
// accumulating immediately.
//
// The buffer is owned by a single room session and is not safe for
// concurrent use.
type TurnBuffer struct {
	frames  [][]byte
	flushed []byte
}

// Append adds one captured frame to the current utterance. Empty frames are
// dropped.
func (b *TurnBuffer) Append(frame []byte) {
	if len(frame) == 0 {
		return
	}
	b.frames = append(b.frames, frame)
}

// Flush concatenates the accumulated frames into a single buffer and clears
// the frame list. Flushing with nothing accumulated leaves no buffer, which
// also discards any previously flushed audio that was never consumed; the
// flushed audio always belongs to the utterance that triggered the flush.
func (b *TurnBuffer) Flush() {
	if len(b.frames) == 0 {
		b.flushed = nil
		return
	}

	total := 0
	for _, f := range b.frames {
		total += len(f)
	}
	buf := make([]byte, 0, total)
	for _, f := range b.frames {
		buf = append(buf, f...)
	}

	b.flushed = buf
	b.frames = b.frames[:0]
}

// Consume returns the flushed audio and clears it. Returns nil when the last
// flush had nothing, so callers can use the length to decide whether any
// analysis should run.
func (b *TurnBuffer) Consume() []byte {
	flushed := b.flushed
	b.flushed = nil
	return flushed
}

// Pending reports how many frames are accumulated and not yet flushed.
func (b *TurnBuffer) Pending() int {
	return len(b.frames)
}
