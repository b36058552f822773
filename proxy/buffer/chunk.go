package buffer

import "time"

// TSPacketSize is the MPEG-TS packet length every chunk is aligned to,
// except possibly the final chunk before shutdown.
const TSPacketSize = 188

// Chunk is an immutable slice of the upstream byte stream. Sequences are
// assigned by the reader, start at zero and never repeat within a stream.
type Chunk struct {
	Sequence   int64
	Payload    []byte
	ReceivedAt time.Time
}

func (c *Chunk) Len() int {
	return len(c.Payload)
}
