package protocol

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned by ReadFrame for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrFrameTooSmall is returned by ReadFrame when a packet declares a
	// length shorter than the length field itself.
	ErrFrameTooSmall = errors.New("protocol: frame too small")
)

// ReadFrame reads one packet from r. Packets are self delimiting: the first
// u32 of every packet is its total length, the length field included, so
// the stream stays in step before magic or version are looked at.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n < uint32(len(prefix)) {
		return nil, errors.Wrapf(ErrFrameTooSmall, "%d bytes", n)
	}
	if n > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	buf := make([]byte, n)
	copy(buf, prefix[:])
	if _, err := io.ReadFull(r, buf[len(prefix):]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes pkt to w in a single Write. pkt already carries its
// length in its header.
func WriteFrame(w io.Writer, pkt []byte) error {
	_, err := w.Write(pkt)
	return err
}
