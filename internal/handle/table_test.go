package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidaxion/vgpu-broker/internal/idm"
)

func TestInsertLookupRoundTrip(t *testing.T) {
	tbl := New(nil)
	h := tbl.Insert(idm.ZoneID(2), "ref-1", 4096)
	require.NotEqual(t, idm.NullHandle, h)

	rec, err := tbl.Lookup(idm.ZoneID(2), h)
	require.NoError(t, err)
	assert.Equal(t, idm.ZoneID(2), rec.Owner)
	assert.EqualValues(t, 4096, rec.Size)
	assert.Equal(t, "ref-1", rec.Ref)
}

func TestHandlesAreMonotonicAndSkipZero(t *testing.T) {
	tbl := New(nil)
	first := tbl.Insert(idm.ZoneID(1), nil, 1)
	second := tbl.Insert(idm.ZoneID(1), nil, 1)
	require.NotEqual(t, idm.NullHandle, first)
	require.NotEqual(t, idm.NullHandle, second)
	assert.Greater(t, second, first)
}

func TestLookupByWrongZoneFails(t *testing.T) {
	tbl := New(nil)
	h := tbl.Insert(idm.ZoneID(2), nil, 64)

	_, err := tbl.Lookup(idm.ZoneID(3), h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupUnknownHandleIndistinguishableFromWrongOwner(t *testing.T) {
	tbl := New(nil)
	h := tbl.Insert(idm.ZoneID(2), nil, 64)

	_, errWrongOwner := tbl.Lookup(idm.ZoneID(3), h)
	_, errUnknown := tbl.Lookup(idm.ZoneID(3), h+999)

	assert.ErrorIs(t, errWrongOwner, ErrNotFound)
	assert.ErrorIs(t, errUnknown, ErrNotFound)
}

func TestRemoveByWrongZoneFailsAndLeavesRecordIntact(t *testing.T) {
	tbl := New(nil)
	h := tbl.Insert(idm.ZoneID(2), nil, 128)

	_, err := tbl.Remove(idm.ZoneID(3), h)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.Lookup(idm.ZoneID(2), h)
	assert.NoError(t, err, "record should still exist after a failed removal")
}

func TestRemoveDeletesAndUpdatesByteTotal(t *testing.T) {
	tbl := New(nil)
	h := tbl.Insert(idm.ZoneID(2), nil, 512)

	rec, err := tbl.Remove(idm.ZoneID(2), h)
	require.NoError(t, err)
	assert.EqualValues(t, 512, rec.Size)

	stats := tbl.Stats()
	assert.Equal(t, Stats{HandleCount: 0, ByteTotal: 0}, stats)

	_, err = tbl.Lookup(idm.ZoneID(2), h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAllForZoneOnlyTouchesThatZone(t *testing.T) {
	tbl := New(nil)
	a1 := tbl.Insert(idm.ZoneID(1), nil, 100)
	a2 := tbl.Insert(idm.ZoneID(1), nil, 200)
	b1 := tbl.Insert(idm.ZoneID(2), nil, 300)

	removed := tbl.RemoveAllForZone(idm.ZoneID(1))
	assert.Len(t, removed, 2)

	_, err := tbl.Lookup(idm.ZoneID(1), a1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.Lookup(idm.ZoneID(1), a2)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := tbl.Lookup(idm.ZoneID(2), b1)
	require.NoError(t, err, "zone 2's handle should be untouched")
	assert.EqualValues(t, 300, rec.Size)

	stats := tbl.Stats()
	assert.Equal(t, Stats{HandleCount: 1, ByteTotal: 300}, stats)
}
