package oid

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestMatchesEncode(t *testing.T) {
	data := []byte("film.mp4 contents")

	o, n, err := Digest(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, OidType(OidTypeFile), o.Type())
	assert.True(t, o.Equal(Encode(OidTypeFile, sha256.Sum256(data))))
}

func TestFromStringRoundTrip(t *testing.T) {
	o, err := Random(OidTypeSession)
	require.NoError(t, err)

	parsed, err := FromString(o.String())
	require.NoError(t, err)
	assert.True(t, o.Equal(parsed))
	assert.Equal(t, OidType(OidTypeSession), parsed.Type())

	_, err = FromString("not-an-oid")
	assert.ErrorIs(t, err, ErrorInvalidOidString)
}

func TestCBORCarriesOid(t *testing.T) {
	type envelope struct {
		Digest Oid `cbor:"1,keyasint"`
	}

	in := envelope{Digest: *Encode(OidTypeFile, sha256.Sum256([]byte("x")))}
	raw, err := cbor.Marshal(&in)
	require.NoError(t, err)

	var out envelope
	require.NoError(t, cbor.Unmarshal(raw, &out))
	assert.True(t, in.Digest.Equal(&out.Digest))
}

func TestZeroOid(t *testing.T) {
	var a, b Oid
	assert.True(t, a.IsZero())
	assert.True(t, a.Equal(&b))
	assert.False(t, a.Equal(Encode(OidTypeFile, [32]byte{1})))
}
