package dist

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Wire format. Every message starts with a frame header:
//
//	[1 byte: frame type][3 bytes: reserved][uint32 LE: number of dims]
//	[number of dims × uint64 LE: dims][payload: float64 LE]
//
// Barrier frames carry no dims and no payload.
const (
	frameTensor  byte = 1
	frameBarrier byte = 2

	maxFrameDims = 16
)

// hello is exchanged once per connection, dialer first.
//
//	[4 bytes: magic "PPTP"][16 bytes: session UUID]
//	[uint32 LE: sender rank][uint32 LE: world size]
const helloMagic = "PPTP"

type hello struct {
	Session uuid.UUID
	Rank    uint32
	World   uint32
}

func writeHello(w *bufio.Writer, h hello) error {
	if _, err := w.WriteString(helloMagic); err != nil {
		return err
	}
	if _, err := w.Write(h.Session[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, [2]uint32{h.Rank, h.World}); err != nil {
		return err
	}
	return w.Flush()
}

func readHello(r *bufio.Reader) (hello, error) {
	var h hello
	magic := make([]byte, len(helloMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, err
	}
	if string(magic) != helloMagic {
		return h, errors.Wrapf(ErrBadHandshake, "magic %q", magic)
	}
	if _, err := io.ReadFull(r, h.Session[:]); err != nil {
		return h, err
	}
	var rw [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &rw); err != nil {
		return h, err
	}
	h.Rank, h.World = rw[0], rw[1]
	return h, nil
}

func writeFrame(w *bufio.Writer, kind byte, t *tensor.Tensor) error {
	var dims []uint64
	if t != nil {
		for _, d := range t.Shape() {
			dims = append(dims, uint64(d))
		}
	}
	header := [8]byte{kind}
	binary.LittleEndian.PutUint32(header[4:], uint32(len(dims)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if t != nil {
		if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, t.Data()); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readFrame reads one frame of the expected kind. Tensor payloads are
// decoded into buf, whose shape must match the frame.
func readFrame(r *bufio.Reader, kind byte, buf *tensor.Tensor) error {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	if header[0] != kind {
		return errors.Wrapf(ErrUnexpectedFrame, "got type %d, want %d", header[0], kind)
	}
	n := binary.LittleEndian.Uint32(header[4:])
	if n > maxFrameDims {
		return errors.Wrapf(ErrUnexpectedFrame, "%d dims", n)
	}
	if kind == frameBarrier {
		if n != 0 {
			return errors.Wrapf(ErrUnexpectedFrame, "barrier frame with %d dims", n)
		}
		return nil
	}

	dims := make([]uint64, n)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return err
	}
	shape := make(tensor.Shape, n)
	for i, d := range dims {
		shape[i] = int(d)
	}
	if !shape.Equal(buf.Shape()) {
		// The stream cannot be resynchronised without reading the payload,
		// and a wrong-sized buffer is a programming error, so stop here.
		return errors.WithStack(&tensor.ShapeError{Op: "recv", Want: buf.Shape().Clone(), Got: shape})
	}
	return binary.Read(r, binary.LittleEndian, buf.Data())
}
