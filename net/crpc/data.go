package crpc

import "fmt"

// Each datagram carries one CBOR header followed by one CBOR body.
// The client correlates responses with requests by Seq; a retransmitted request reuses it.

type RequestHeader struct {
	Seq    uint64 `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
}

// ResponseHeader is followed by a body only when Code is CodeOK.
type ResponseHeader struct {
	Seq    uint64 `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
	Code   uint16 `cbor:"3,keyasint,omitempty"`
	Err    string `cbor:"4,keyasint,omitempty"`
}

// Transport level codes. Services define their own codes starting at CodeApplication.
const (
	CodeOK            uint16 = 0
	CodeInternal      uint16 = 1
	CodeBadRequest    uint16 = 2
	CodeUnknownMethod uint16 = 3
	CodeTooLarge      uint16 = 4

	CodeApplication uint16 = 16
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// ServerError is an error reported by the remote service.
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc: remote error %d", e.Code)
	}
	return e.Message
}
