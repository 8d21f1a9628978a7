package devicebridge

import "encoding/binary"

// HeaderSize is the fixed size of a chunk header: three big-endian uint32
// fields (message_id, chunk_id, original_size).
const HeaderSize = 12

// chunkHeader is the fixed header prefixed to every outbound chunk on a
// non-negotiation channel.
type chunkHeader struct {
	MessageID    uint32
	ChunkID      uint32
	OriginalSize uint32
}

// encodeChunk builds a full wire frame: header || payload.
func encodeChunk(h chunkHeader, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], h.MessageID)
	binary.BigEndian.PutUint32(frame[4:8], h.ChunkID)
	binary.BigEndian.PutUint32(frame[8:12], h.OriginalSize)
	copy(frame[HeaderSize:], payload)
	return frame
}

// decodeChunkHeader parses the fixed 12-byte header from the front of a
// frame and returns it along with the payload slice (aliasing frame).
func decodeChunkHeader(frame []byte) (chunkHeader, []byte, error) {
	if len(frame) < HeaderSize {
		return chunkHeader{}, nil, ErrShortRead
	}
	h := chunkHeader{
		MessageID:    binary.BigEndian.Uint32(frame[0:4]),
		ChunkID:      binary.BigEndian.Uint32(frame[4:8]),
		OriginalSize: binary.BigEndian.Uint32(frame[8:12]),
	}
	return h, frame[HeaderSize:], nil
}
