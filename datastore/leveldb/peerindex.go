package leveldb

import (
	"fmt"
	"time"

	"peershare/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PER" // Peer record indexed by identity. Followed by the identity
	keyPrefixFile = "FIL" // Owner index. Followed by filename, NUL, identity. Empty value
	keyPrefixTomb = "TMB" // Removed peer, followed by the identity. Dropped by Expire
)

// tombstone remembers the last applied request of a removed peer, so a late duplicate of
// one of its datagrams does not bring it back.
type tombstone struct {
	Incarnation string    `cbor:"1,keyasint"`
	LastSeq     uint64    `cbor:"2,keyasint"`
	Removed     time.Time `cbor:"3,keyasint"`
}

var _ peer.Store = (*PeerIndex)(nil)

type Options struct {
	// Path of an on-disk database. Empty keeps everything in memory.
	Path string

	// RejectDuplicates refuses a registration that would replace a live record with a
	// different address or incarnation.
	RejectDuplicates bool

	// Clock returns the current time; time.Now when nil.
	Clock func() time.Time
}

// PeerIndex is the registry store. Every mutation holds the index mutex and is written as
// one batch, so a record and its owner index entries always change together.
type PeerIndex struct {
	LevelDB
	version          uint64
	rejectDuplicates bool
	now              func() time.Time
}

func NewPeerIndex(opts Options) (*PeerIndex, error) {
	ldb, err := initLevelDb(opts.Path)
	if err != nil {
		return nil, err
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: opts.Path,
			db:   ldb,
		},
		rejectDuplicates: opts.RejectDuplicates,
		now:              now,
	}, nil
}

func keyFromIdentity(identity string) []byte {
	return append([]byte(keyPrefixPeer), identity...)
}

func fileKeyPrefix(filename string) []byte {
	key := append([]byte(keyPrefixFile), filename...)
	return append(key, 0)
}

func keyFromFile(filename, identity string) []byte {
	return append(fileKeyPrefix(filename), identity...)
}

func identityFromFileKey(filename string, key []byte) string {
	return string(key[len(keyPrefixFile)+len(filename)+1:])
}

// get fetches a record. Lock is assumed to be held by the caller.
func (l *PeerIndex) get(identity string) (*peer.Record, error) {
	raw, err := l.db.Get(keyFromIdentity(identity), nil)
	if err == errors.ErrNotFound {
		return nil, peer.ErrUnknownPeer
	}
	if err != nil {
		return nil, err
	}

	rec := &peer.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	if rec.Identity != identity {
		log.Errorf("PeerIndex: identity mismatch: %q != %q", identity, rec.Identity)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func putRecord(batch *leveldb.Batch, rec *peer.Record) error {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return err
	}
	batch.Put(keyFromIdentity(rec.Identity), raw)
	return nil
}

func deleteRecord(batch *leveldb.Batch, rec *peer.Record) {
	batch.Delete(keyFromIdentity(rec.Identity))
	for _, f := range rec.Files {
		batch.Delete(keyFromFile(f, rec.Identity))
	}
}

func keyFromTombstone(identity string) []byte {
	return append([]byte(keyPrefixTomb), identity...)
}

// removeRecord deletes rec and leaves a tombstone in its place.
func removeRecord(batch *leveldb.Batch, rec *peer.Record, now time.Time) error {
	deleteRecord(batch, rec)
	if rec.Incarnation == "" {
		return nil
	}
	raw, err := encMode.Marshal(&tombstone{Incarnation: rec.Incarnation, LastSeq: rec.LastSeq, Removed: now})
	if err != nil {
		return err
	}
	batch.Put(keyFromTombstone(rec.Identity), raw)
	return nil
}

// stale reports whether reg repeats a request the removed peer already made. Lock is
// assumed to be held by the caller.
func (l *PeerIndex) stale(reg *peer.Registration) (bool, error) {
	if reg.Seq == 0 || reg.Incarnation == "" {
		return false, nil
	}
	raw, err := l.db.Get(keyFromTombstone(reg.Identity), nil)
	if err == errors.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	tomb := &tombstone{}
	if err := cbor.Unmarshal(raw, tomb); err != nil {
		return false, err
	}
	return tomb.Incarnation == reg.Incarnation && reg.Seq <= tomb.LastSeq, nil
}

func (l *PeerIndex) Register(reg *peer.Registration) (*peer.Record, error) {
	if err := peer.ValidateIdentity(reg.Identity); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.get(reg.Identity)
	if err != nil && err != peer.ErrUnknownPeer {
		return nil, err
	}

	batch := new(leveldb.Batch)
	now := l.now()

	if existing != nil {
		if existing.Address.Equal(reg.Address) && existing.Incarnation == reg.Incarnation {
			// Retransmitted or repeated registration of the same agent
			existing.LastSeen = now
			existing.LastSeq = max(existing.LastSeq, reg.Seq)
			if err := putRecord(batch, existing); err != nil {
				return nil, err
			}
			if err := l.db.Write(batch, nil); err != nil {
				return nil, err
			}
			log.Debugf("PeerIndex.Register: %s unchanged", reg.Identity)
			return existing.Clone(), nil
		}

		if l.rejectDuplicates {
			return nil, fmt.Errorf("%w: %s is registered at %s", peer.ErrDuplicateIdentity, reg.Identity, existing.Address.Host)
		}

		log.Infof("PeerIndex.Register: replacing %s at %s with %s", reg.Identity, existing.Address, reg.Address)
		deleteRecord(batch, existing)
	} else {
		stale, err := l.stale(reg)
		if err != nil {
			return nil, err
		}
		if stale {
			log.Debugf("PeerIndex.Register: ignoring seq %d of removed %s", reg.Seq, reg.Identity)
			return nil, fmt.Errorf("%w: %s seq %d predates its removal", peer.ErrUnknownPeer, reg.Identity, reg.Seq)
		}
		batch.Delete(keyFromTombstone(reg.Identity))
	}

	rec := &peer.Record{
		Identity:    reg.Identity,
		Address:     reg.Address,
		LastSeen:    now,
		Incarnation: reg.Incarnation,
		LastSeq:     reg.Seq,
	}
	if err := putRecord(batch, rec); err != nil {
		return nil, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return nil, err
	}
	l.version++

	return rec.Clone(), nil
}

func (l *PeerIndex) Deregister(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(identity)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if err := removeRecord(batch, rec, l.now()); err != nil {
		return err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return err
	}
	l.version++

	return nil
}

func (l *PeerIndex) OfferFiles(identity string, seq uint64, filenames []string) (bool, error) {
	for _, f := range filenames {
		if err := peer.ValidateFilename(f); err != nil {
			return false, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(identity)
	if err != nil {
		return false, err
	}

	if seq != 0 && seq <= rec.LastSeq {
		log.Debugf("PeerIndex.OfferFiles: %s seq %d already applied (last %d)", identity, seq, rec.LastSeq)
		return false, nil
	}

	files, changed := peer.MergeFiles(rec.Files, filenames)
	rec.Files = files
	rec.LastSeen = l.now()
	rec.LastSeq = max(rec.LastSeq, seq)

	batch := new(leveldb.Batch)
	if err := putRecord(batch, rec); err != nil {
		return false, err
	}
	for _, f := range filenames {
		batch.Put(keyFromFile(f, identity), nil)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	if changed {
		l.version++
	}

	return true, nil
}

func (l *PeerIndex) Touch(identity string, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(identity)
	if err != nil {
		return err
	}

	rec.LastSeen = l.now()
	rec.LastSeq = max(rec.LastSeq, seq)

	batch := new(leveldb.Batch)
	if err := putRecord(batch, rec); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *PeerIndex) Snapshot() (*peer.Snapshot, error) {
	// The LevelDB snapshot pins a consistent view, the lock only pairs it with the version
	l.mu.Lock()
	snap, err := l.db.GetSnapshot()
	version := l.version
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	var records []*peer.Record
	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return peer.NewSnapshot(version, records), nil
}

func (l *PeerIndex) FindOwners(filename string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix(fileKeyPrefix(filename)), nil)
	defer iter.Release()

	var owners []string
	for iter.Next() {
		owners = append(owners, identityFromFileKey(filename, iter.Key()))
	}
	return owners, iter.Error()
}

func (l *PeerIndex) Expire(cutoff time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	now := l.now()
	var expired []string
	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		if rec.LastSeen.Before(cutoff) {
			if err := removeRecord(batch, rec, now); err != nil {
				return nil, err
			}
			expired = append(expired, rec.Identity)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	// Tombstones older than cutoff are dropped
	tombs := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixTomb)), nil)
	defer tombs.Release()
	for tombs.Next() {
		tomb := &tombstone{}
		if err := cbor.Unmarshal(tombs.Value(), tomb); err != nil {
			return nil, err
		}
		if tomb.Removed.Before(cutoff) {
			batch.Delete(append([]byte(nil), tombs.Key()...))
		}
	}
	if err := tombs.Error(); err != nil {
		return nil, err
	}

	if batch.Len() == 0 {
		return nil, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	l.version++

	return expired, nil
}

func (l *PeerIndex) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}
