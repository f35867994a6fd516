package protocol

import (
	"errors"

	"peershare/datamodel/peer"
	"peershare/net/crpc"
)

// Discovery service methods.
const (
	MethodRegister   = "Discovery.Register"
	MethodOffer      = "Discovery.Offer"
	MethodList       = "Discovery.List"
	MethodDeregister = "Discovery.Deregister"
	MethodHeartbeat  = "Discovery.Heartbeat"
	MethodWhoHas     = "Discovery.WhoHas"

	// Pushed by the registry to every peer's control address.
	MethodRegistryChanged = "Notifications.RegistryChanged"
)

// Every request that mutates or reads a peer's state carries the sender's sequence number.
// Sequence numbers grow by one per request and are repeated on retransmission.

type RegisterRequest struct {
	Identity     string `cbor:"1,keyasint,omitempty"`
	Incarnation  string `cbor:"2,keyasint,omitempty"` // Agent process instance
	Seq          uint64 `cbor:"3,keyasint,omitempty"`
	Host         string `cbor:"4,keyasint,omitempty"` // Empty: use the datagram source address
	ControlPort  uint16 `cbor:"5,keyasint,omitempty"`
	TransferPort uint16 `cbor:"6,keyasint,omitempty"`
}

type RegisterResponse struct {
	Version uint64 `cbor:"1,keyasint,omitempty"`
	Host    string `cbor:"2,keyasint,omitempty"` // Host the registry recorded
}

type OfferRequest struct {
	Identity  string   `cbor:"1,keyasint,omitempty"`
	Seq       uint64   `cbor:"2,keyasint,omitempty"`
	Filenames []string `cbor:"3,keyasint,omitempty"`
}

type OfferResponse struct {
	Applied bool `cbor:"1,keyasint,omitempty"` // False for an already applied retransmission
}

type ListRequest struct {
	Identity string `cbor:"1,keyasint,omitempty"`
	Seq      uint64 `cbor:"2,keyasint,omitempty"`
}

// PeerEntry is one registered peer as listed by the registry.
type PeerEntry struct {
	_        struct{} `cbor:",toarray"`
	Identity string
	Address  peer.Address
	Files    []string
}

type ListResponse struct {
	Version uint64       `cbor:"1,keyasint,omitempty"`
	Peers   []*PeerEntry `cbor:"2,keyasint,omitempty"` // Sorted by identity
}

type DeregisterRequest struct {
	Identity string `cbor:"1,keyasint,omitempty"`
	Seq      uint64 `cbor:"2,keyasint,omitempty"`
}

type HeartbeatRequest struct {
	Identity string `cbor:"1,keyasint,omitempty"`
	Seq      uint64 `cbor:"2,keyasint,omitempty"`
}

type WhoHasRequest struct {
	Filename string `cbor:"1,keyasint,omitempty"`
}

type WhoHasResponse struct {
	Owners []string `cbor:"1,keyasint,omitempty"`
}

type Ack struct{}

type RegistryChangedMessage struct {
	Version uint64 `cbor:"1,keyasint,omitempty"`
}

// EntryFromRecord converts a store record to its listed form.
func EntryFromRecord(rec *peer.Record) *PeerEntry {
	return &PeerEntry{
		Identity: rec.Identity,
		Address:  rec.Address,
		Files:    rec.Files,
	}
}

// Record converts a listed entry back to a record. Bookkeeping fields stay zero.
func (e *PeerEntry) Record() *peer.Record {
	return &peer.Record{
		Identity: e.Identity,
		Address:  e.Address,
		Files:    append([]string(nil), e.Files...),
	}
}

// Application error codes of the Discovery service.
const (
	CodeDuplicateIdentity = crpc.CodeApplication + iota
	CodeUnknownPeer
	CodeInvalidFilename
	CodeInvalidIdentity
)

var codes = []struct {
	code uint16
	err  error
}{
	{CodeDuplicateIdentity, peer.ErrDuplicateIdentity},
	{CodeUnknownPeer, peer.ErrUnknownPeer},
	{CodeInvalidFilename, peer.ErrInvalidFilename},
	{CodeInvalidIdentity, peer.ErrInvalidIdentity},
}

// ErrorCode maps a Discovery handler error to its wire code.
func ErrorCode(err error) uint16 {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return crpc.CodeInternal
}

// RemoteError is a Discovery error received over the network. It unwraps to the matching
// peer sentinel, so errors.Is works on both sides of the wire.
type RemoteError struct {
	Code    uint16
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.err
}

// ErrorFromCode turns a crpc.ServerError with an application code back into its sentinel.
// Other errors are returned unchanged.
func ErrorFromCode(err error) error {
	var se *crpc.ServerError
	if !errors.As(err, &se) {
		return err
	}
	for _, c := range codes {
		if c.code == se.Code {
			msg := se.Message
			if msg == "" {
				msg = c.err.Error()
			}
			return &RemoteError{Code: se.Code, Message: msg, err: c.err}
		}
	}
	return err
}
