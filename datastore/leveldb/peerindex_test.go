package leveldb

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"peershare/datamodel/peer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestIndex(t *testing.T, opts Options) *PeerIndex {
	t.Helper()
	idx, err := NewPeerIndex(opts)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func addr(host string, port uint16) peer.Address {
	return peer.Address{Host: host, ControlPort: port, TransferPort: port + 1}
}

func register(t *testing.T, idx *PeerIndex, identity string, a peer.Address) {
	t.Helper()
	_, err := idx.Register(&peer.Registration{Identity: identity, Address: a})
	require.NoError(t, err)
}

func TestSnapshotTracksRegisteredSet(t *testing.T) {
	idx := newTestIndex(t, Options{})

	register(t, idx, "carol", addr("10.0.0.3", 7000))
	register(t, idx, "alice", addr("10.0.0.1", 7000))
	register(t, idx, "bob", addr("10.0.0.2", 7000))
	require.NoError(t, idx.Deregister("carol"))
	register(t, idx, "dave", addr("10.0.0.4", 7000))
	require.NoError(t, idx.Deregister("alice"))

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "dave"}, snap.Identities())

	assert.ErrorIs(t, idx.Deregister("alice"), peer.ErrNotFound)
}

func TestRegisterSameAddressIsIdempotent(t *testing.T) {
	idx := newTestIndex(t, Options{})

	register(t, idx, "dave", addr("10.0.0.4", 7000))
	_, err := idx.OfferFiles("dave", 0, []string{"film.mp4"})
	require.NoError(t, err)
	version := idx.Version()

	register(t, idx, "dave", addr("10.0.0.4", 7000))

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec, _ := snap.Lookup("dave")
	assert.Equal(t, []string{"film.mp4"}, rec.Files)
	assert.Equal(t, version, idx.Version())
}

func TestRegisterDifferentAddressReplaces(t *testing.T) {
	idx := newTestIndex(t, Options{})

	register(t, idx, "dave", addr("10.0.0.4", 7000))
	_, err := idx.OfferFiles("dave", 0, []string{"film.mp4"})
	require.NoError(t, err)

	register(t, idx, "dave", addr("10.0.0.9", 8000))

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec, _ := snap.Lookup("dave")
	assert.Equal(t, addr("10.0.0.9", 8000), rec.Address)
	assert.Empty(t, rec.Files)

	owners, err := idx.FindOwners("film.mp4")
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestRegisterNewIncarnationReplaces(t *testing.T) {
	idx := newTestIndex(t, Options{})

	_, err := idx.Register(&peer.Registration{Identity: "dave", Address: addr("10.0.0.4", 7000), Incarnation: "one", Seq: 9})
	require.NoError(t, err)

	rec, err := idx.Register(&peer.Registration{Identity: "dave", Address: addr("10.0.0.4", 7000), Incarnation: "two", Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LastSeq)

	// The restarted agent's offers must not be mistaken for retransmissions
	applied, err := idx.OfferFiles("dave", 2, []string{"a.txt"})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRejectDuplicates(t *testing.T) {
	idx := newTestIndex(t, Options{RejectDuplicates: true})

	register(t, idx, "dave", addr("10.0.0.4", 7000))
	register(t, idx, "dave", addr("10.0.0.4", 7000))

	_, err := idx.Register(&peer.Registration{Identity: "dave", Address: addr("10.0.0.5", 7000)})
	assert.ErrorIs(t, err, peer.ErrDuplicateIdentity)
}

func TestOfferFilesUnion(t *testing.T) {
	idx := newTestIndex(t, Options{})
	register(t, idx, "dave", addr("10.0.0.4", 7000))

	_, err := idx.OfferFiles("dave", 1, []string{"a.txt", "b.txt"})
	require.NoError(t, err)
	_, err = idx.OfferFiles("dave", 2, []string{"b.txt", "c.txt"})
	require.NoError(t, err)

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	rec, ok := snap.Lookup("dave")
	require.True(t, ok)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, rec.Files)

	owners, err := idx.FindOwners("b.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, owners)
}

func TestOfferFilesRetransmissionNotReapplied(t *testing.T) {
	idx := newTestIndex(t, Options{})
	register(t, idx, "dave", addr("10.0.0.4", 7000))

	applied, err := idx.OfferFiles("dave", 5, []string{"a.txt"})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = idx.OfferFiles("dave", 5, []string{"a.txt"})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = idx.OfferFiles("dave", 4, []string{"late.txt"})
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	rec, _ := snap.Lookup("dave")
	assert.Equal(t, []string{"a.txt"}, rec.Files)
}

func TestOfferFilesErrors(t *testing.T) {
	idx := newTestIndex(t, Options{})

	_, err := idx.OfferFiles("ghost", 1, []string{"a.txt"})
	assert.ErrorIs(t, err, peer.ErrUnknownPeer)

	register(t, idx, "dave", addr("10.0.0.4", 7000))
	_, err = idx.OfferFiles("dave", 1, []string{"../secret"})
	assert.ErrorIs(t, err, peer.ErrInvalidFilename)
}

func TestFindOwnersAcrossPeers(t *testing.T) {
	idx := newTestIndex(t, Options{})
	register(t, idx, "dave", addr("10.0.0.4", 7000))
	register(t, idx, "alice", addr("10.0.0.1", 7000))

	_, err := idx.OfferFiles("dave", 0, []string{"film.mp4", "film.mp4.bak"})
	require.NoError(t, err)
	_, err = idx.OfferFiles("alice", 0, []string{"film.mp4"})
	require.NoError(t, err)

	owners, err := idx.FindOwners("film.mp4")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "dave"}, owners)

	require.NoError(t, idx.Deregister("dave"))
	owners, err = idx.FindOwners("film.mp4")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, owners)
}

func TestExpireRemovesStalePeers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	idx := newTestIndex(t, Options{Clock: clock.Now})

	register(t, idx, "dave", addr("10.0.0.4", 7000))
	register(t, idx, "alice", addr("10.0.0.1", 7000))

	clock.Advance(20 * time.Second)
	require.NoError(t, idx.Touch("alice", 0))
	clock.Advance(20 * time.Second)

	expired, err := idx.Expire(clock.Now().Add(-30 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, expired)

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, snap.Identities())

	assert.ErrorIs(t, idx.Touch("dave", 0), peer.ErrUnknownPeer)
}

func TestConcurrentMutationsStayConsistent(t *testing.T) {
	idx := newTestIndex(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("peer-%02d", i)
			for j := 0; j < 20; j++ {
				_, err := idx.Register(&peer.Registration{Identity: id, Address: addr("10.0.0.1", uint16(7000+i))})
				assert.NoError(t, err)
				_, err = idx.OfferFiles(id, 0, []string{fmt.Sprintf("f%d.txt", j)})
				assert.NoError(t, err)
				if _, err := idx.Snapshot(); err != nil {
					t.Error(err)
				}
			}
			if i%2 == 0 {
				assert.NoError(t, idx.Deregister(id))
			}
		}(i)
	}
	wg.Wait()

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 8, snap.Len())
	for _, rec := range snap.Records {
		assert.Len(t, rec.Files, 20, rec.Identity)
		owners, err := idx.FindOwners("f7.txt")
		require.NoError(t, err)
		assert.Contains(t, owners, rec.Identity)
	}
}

func TestLateRegisterAfterDeregisterIsIgnored(t *testing.T) {
	idx := newTestIndex(t, Options{})
	reg := &peer.Registration{Identity: "dave", Address: addr("10.0.0.4", 7000), Incarnation: "inc-1", Seq: 1}

	_, err := idx.Register(reg)
	require.NoError(t, err)
	require.NoError(t, idx.Deregister("dave"))
	version := idx.Version()

	_, err = idx.Register(reg)
	assert.ErrorIs(t, err, peer.ErrUnknownPeer)
	assert.Equal(t, version, idx.Version())

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Identities())

	// A fresh request of the same agent, or a new incarnation, registers again
	_, err = idx.Register(&peer.Registration{Identity: "dave", Address: reg.Address, Incarnation: "inc-1", Seq: 2})
	require.NoError(t, err)
	require.NoError(t, idx.Deregister("dave"))
	_, err = idx.Register(&peer.Registration{Identity: "dave", Address: reg.Address, Incarnation: "inc-2", Seq: 1})
	require.NoError(t, err)
}

func TestExpireLeavesTombstoneUntilCutoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	idx := newTestIndex(t, Options{Clock: clock.Now})
	reg := &peer.Registration{Identity: "dave", Address: addr("10.0.0.4", 7000), Incarnation: "inc-1", Seq: 3}

	_, err := idx.Register(reg)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	expired, err := idx.Expire(clock.Now().Add(-30 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, expired)

	_, err = idx.Register(reg)
	assert.ErrorIs(t, err, peer.ErrUnknownPeer)

	clock.Advance(time.Minute)
	expired, err = idx.Expire(clock.Now().Add(-30 * time.Second))
	require.NoError(t, err)
	assert.Empty(t, expired)

	_, err = idx.Register(reg)
	require.NoError(t, err)
}
