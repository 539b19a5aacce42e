// Package wav serializes raw synthesized PCM into RIFF/WAVE containers.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed output format of the synthesis provider.
const (
	SAMPLE_RATE     = 24000
	CHANNELS        = 1
	BITS_PER_SAMPLE = 16
	HEADER_SIZE     = 44
	PCM_FORMAT      = 1
	FMT_CHUNK_SIZE  = 16
	BLOCK_ALIGN     = CHANNELS * BITS_PER_SAMPLE / 8
	BYTE_RATE       = SAMPLE_RATE * BLOCK_ALIGN
	FILE_EXTENSION  = ".wav"
)

const (
	riffID = "RIFF"
	waveID = "WAVE"
	fmtID  = "fmt "
	dataID = "data"
)

// ErrInvalidHeader is returned when a container does not start with a canonical PCM header.
var ErrInvalidHeader = errors.New("invalid wav header")

// Header is the decoded 44-byte canonical header.
type Header struct {
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Encode prepends the canonical 44-byte header to pcm.
func Encode(pcm []byte) []byte {
	out := make([]byte, HEADER_SIZE+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], riffID)
	le.PutUint32(out[4:8], uint32(HEADER_SIZE-8+len(pcm)))
	copy(out[8:12], waveID)
	copy(out[12:16], fmtID)
	le.PutUint32(out[16:20], FMT_CHUNK_SIZE)
	le.PutUint16(out[20:22], PCM_FORMAT)
	le.PutUint16(out[22:24], CHANNELS)
	le.PutUint32(out[24:28], SAMPLE_RATE)
	le.PutUint32(out[28:32], BYTE_RATE)
	le.PutUint16(out[32:34], BLOCK_ALIGN)
	le.PutUint16(out[34:36], BITS_PER_SAMPLE)
	copy(out[36:40], dataID)
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[HEADER_SIZE:], pcm)

	return out
}

// ParseHeader decodes the canonical header of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HEADER_SIZE {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}

	if string(data[0:4]) != riffID || string(data[8:12]) != waveID ||
		string(data[12:16]) != fmtID || string(data[36:40]) != dataID {
		return Header{}, fmt.Errorf("%w: unexpected chunk identifiers", ErrInvalidHeader)
	}

	le := binary.LittleEndian

	return Header{
		RIFFSize:      le.Uint32(data[4:8]),
		AudioFormat:   le.Uint16(data[20:22]),
		Channels:      le.Uint16(data[22:24]),
		SampleRate:    le.Uint32(data[24:28]),
		ByteRate:      le.Uint32(data[28:32]),
		BlockAlign:    le.Uint16(data[32:34]),
		BitsPerSample: le.Uint16(data[34:36]),
		DataSize:      le.Uint32(data[40:44]),
	}, nil
}
