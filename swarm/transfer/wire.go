package transfer

import (
	"encoding/binary"
	"fmt"
	"io"

	"peershare/oid"

	"github.com/fxamacker/cbor/v2"
)

// A header frame is a 4 byte big-endian length followed by that many bytes of CBOR.
// The response header is followed by exactly Length bytes of file content when Status is OK.

const MaxFrameSize = 64 * 1024

type Status uint8

const (
	StatusOK           Status = 0
	StatusFileNotFound Status = 1
	StatusBadRequest   Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFileNotFound:
		return "file not found"
	case StatusBadRequest:
		return "bad request"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

type Request struct {
	Filename  string  `cbor:"1,keyasint,omitempty"`
	SessionID oid.Oid `cbor:"2,keyasint"`
}

type Response struct {
	Status  Status  `cbor:"1,keyasint,omitempty"`
	Length  int64   `cbor:"2,keyasint,omitempty"`
	Digest  oid.Oid `cbor:"3,keyasint"` // Content OID of the file
	Message string  `cbor:"4,keyasint,omitempty"`
}

// writeFrame sends v as one length-prefixed frame. v must be a pointer.
func writeFrame(w io.Writer, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocol, len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

// readFrame reads one frame into v. It never reads past the end of the frame, so the
// content that follows a response stays in the connection.
func readFrame(r io.Reader, v any) error {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocol, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
