package docker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/pkg/stdcopy"

	"caserun/internal/domain/execution"
)

const (
	frameHeaderLen = 8
	maxFrameSize   = 16 << 20
)

// Demuxer splits a multiplexed attach stream into typed chunks.
//
// Each frame is an 8-byte header (stream type, three padding bytes, big-endian
// payload length) followed by the payload. Once Next returns an error it keeps
// returning the same error.
type Demuxer struct {
	r      io.Reader
	header [frameHeaderLen]byte
	err    error
}

// NewDemuxer reads frames from r.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: r}
}

// Next returns the next non-empty chunk, or io.EOF when the stream ended cleanly.
func (d *Demuxer) Next() (execution.Chunk, error) {
	for d.err == nil {
		chunk, err := d.readFrame()
		if err != nil {
			d.err = err
			break
		}
		if len(chunk.Data) > 0 {
			return chunk, nil
		}
	}
	return execution.Chunk{}, d.err
}

func (d *Demuxer) readFrame() (execution.Chunk, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return execution.Chunk{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return execution.Chunk{}, fmt.Errorf("demux: truncated frame header")
		}
		return execution.Chunk{}, fmt.Errorf("demux: read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(d.header[4:])
	if size > maxFrameSize {
		return execution.Chunk{}, fmt.Errorf("demux: frame of %d bytes exceeds limit", size)
	}

	var kind execution.StreamKind
	switch stdcopy.StdType(d.header[0]) {
	case stdcopy.Stdin, stdcopy.Stdout:
		kind = execution.StreamStdout
	case stdcopy.Stderr:
		kind = execution.StreamStderr
	case stdcopy.Systemerr:
	default:
		return execution.Chunk{}, fmt.Errorf("demux: unknown stream type %d", d.header[0])
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return execution.Chunk{}, fmt.Errorf("demux: truncated frame payload")
		}
		return execution.Chunk{}, fmt.Errorf("demux: read frame payload: %w", err)
	}

	if kind == 0 {
		return execution.Chunk{}, fmt.Errorf("demux: engine error: %s", payload)
	}
	return execution.Chunk{Stream: kind, Data: payload}, nil
}
