package registry

import (
	"net"
	"testing"

	"peershare/datastore/leveldb"
	"peershare/swarm/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscovery(t *testing.T) (*Discovery, *int) {
	t.Helper()
	store, err := leveldb.NewPeerIndex(leveldb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notified := new(int)
	return NewDiscovery(store, func() { *notified++ }), notified
}

var from = &net.UDPAddr{IP: net.IPv4(192, 168, 7, 7), Port: 40000}

func TestOfferRetransmissionIsAcknowledgedOnce(t *testing.T) {
	d, notified := newDiscovery(t)

	require.NoError(t, d.Register(from, &protocol.RegisterRequest{Identity: "dave", Seq: 1, ControlPort: 1, TransferPort: 2}, &protocol.RegisterResponse{}))

	req := &protocol.OfferRequest{Identity: "dave", Seq: 2, Filenames: []string{"film.mp4"}}
	res := &protocol.OfferResponse{}
	require.NoError(t, d.Offer(req, res))
	assert.True(t, res.Applied)

	res = &protocol.OfferResponse{}
	require.NoError(t, d.Offer(req, res))
	assert.False(t, res.Applied)

	assert.Equal(t, 2, *notified)

	list := &protocol.ListResponse{}
	require.NoError(t, d.List(&protocol.ListRequest{}, list))
	require.Len(t, list.Peers, 1)
	assert.Equal(t, []string{"film.mp4"}, list.Peers[0].Files)
	assert.Equal(t, "192.168.7.7", list.Peers[0].Address.Host)
}

func TestRepeatedRegistrationDoesNotNotify(t *testing.T) {
	d, notified := newDiscovery(t)

	req := &protocol.RegisterRequest{Identity: "dave", Incarnation: "a", Seq: 1, Host: "10.0.0.1", ControlPort: 1, TransferPort: 2}
	require.NoError(t, d.Register(from, req, &protocol.RegisterResponse{}))
	require.NoError(t, d.Register(from, req, &protocol.RegisterResponse{}))
	assert.Equal(t, 1, *notified)
}

func TestWhoHasValidatesFilename(t *testing.T) {
	d, _ := newDiscovery(t)
	assert.Error(t, d.WhoHas(&protocol.WhoHasRequest{Filename: "a/b"}, &protocol.WhoHasResponse{}))

	res := &protocol.WhoHasResponse{}
	require.NoError(t, d.WhoHas(&protocol.WhoHasRequest{Filename: "nothing"}, res))
	assert.Empty(t, res.Owners)
}
