package peer

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrNotRegistered     = errors.New("not registered")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrInvalidIdentity   = errors.New("invalid identity")
)

// ErrNotFound is what the store reports for an identity it doesn't hold.
var ErrNotFound = ErrUnknownPeer

const MaxFilenameLength = 255

// Address is where a peer can be reached: discovery notifications go to the control port,
// transfer sessions connect to the transfer port.
type Address struct {
	_            struct{} `cbor:",toarray"`
	Host         string
	ControlPort  uint16
	TransferPort uint16
}

func (a Address) ControlAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.ControlPort)))
}

func (a Address) TransferAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.TransferPort)))
}

func (a Address) String() string {
	return fmt.Sprintf("%s (control %d, transfer %d)", a.Host, a.ControlPort, a.TransferPort)
}

func (a Address) Equal(b Address) bool {
	return a.Host == b.Host && a.ControlPort == b.ControlPort && a.TransferPort == b.TransferPort
}

// Record is the registry entry of a single peer.
type Record struct {
	Identity    string    `cbor:"1,keyasint"`
	Address     Address   `cbor:"2,keyasint"`
	Files       []string  `cbor:"3,keyasint,omitempty"` // Sorted, no duplicates
	LastSeen    time.Time `cbor:"4,keyasint"`
	Incarnation string    `cbor:"5,keyasint,omitempty"` // Agent process instance
	LastSeq     uint64    `cbor:"6,keyasint,omitempty"` // Highest applied request sequence number
}

// HasFile reports whether filename is in the record's file set.
func (r *Record) HasFile(filename string) bool {
	i := sort.SearchStrings(r.Files, filename)
	return i < len(r.Files) && r.Files[i] == filename
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Files = append([]string(nil), r.Files...)
	return &c
}

// Registration carries everything the store needs to create or replace a record.
type Registration struct {
	Identity    string
	Address     Address
	Incarnation string
	Seq         uint64
}

// FileEntry attributes a shared file to its owner. It is derived from records, never stored.
type FileEntry struct {
	Filename string
	Owner    string
}

// MergeFiles returns the sorted union of a set and new names. The second result reports
// whether anything was added.
func MergeFiles(set []string, names []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(set)+len(names))
	for _, f := range set {
		seen[f] = struct{}{}
	}
	changed := false
	for _, f := range names {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return set, false
	}

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, true
}

// ValidateFilename accepts plain file names only: no directories, no NUL.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case len(name) > MaxFilenameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, MaxFilenameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" || strings.ContainsRune(identity, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}

// Store is the registry: the single source of truth about registered peers.
// Implementations serialize mutations, and Snapshot never observes a partial update.
type Store interface {
	// Register creates the record for reg.Identity, or refreshes it when the same agent
	// incarnation at the same address registers again. A different address or incarnation
	// replaces the record and clears its files, unless the store rejects duplicates, in which
	// case ErrDuplicateIdentity is returned.
	Register(reg *Registration) (*Record, error)

	// Deregister removes the record. ErrUnknownPeer if there is none.
	Deregister(identity string) error

	// OfferFiles adds filenames to the peer's file set. A non-zero seq not greater than the
	// last applied one is a retransmission: it is acknowledged but not applied again, and
	// applied is false.
	OfferFiles(identity string, seq uint64, filenames []string) (applied bool, err error)

	// Touch refreshes the liveness timestamp of the peer.
	Touch(identity string, seq uint64) error

	// Snapshot returns a consistent copy of all records, sorted by identity.
	Snapshot() (*Snapshot, error)

	// FindOwners returns the sorted identities of peers offering filename.
	FindOwners(filename string) ([]string, error)

	// Expire removes all records not seen since cutoff and returns their identities.
	Expire(cutoff time.Time) ([]string, error)

	// Version increases with every change visible in a Snapshot.
	Version() uint64

	Close() error
}
