package lending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogEntryReserveGuards(t *testing.T) {
	e := NewCatalogEntry(1, BookInfo{Title: "Compilers"})
	assert.ErrorIs(t, e.Reserve("S1", epoch), ErrBookAvailable)

	require.NoError(t, e.MarkBorrowed("S1"))
	assert.ErrorIs(t, e.MarkBorrowed("S2"), ErrBookUnavailable)
	assert.ErrorIs(t, e.Reserve("S1", epoch), ErrAlreadyHolder)
	require.NoError(t, e.Reserve("S2", epoch))
	assert.ErrorIs(t, e.Reserve("S2", epoch), ErrAlreadyReserved)
	assert.NoError(t, e.Validate())
}

func TestCatalogEntryReturnNotifiesHead(t *testing.T) {
	e := NewCatalogEntry(1, BookInfo{})
	notified, err := e.MarkReturned(epoch)
	assert.ErrorIs(t, err, ErrNotHolder)
	assert.False(t, notified)

	require.NoError(t, e.MarkBorrowed("S1"))
	notified, err = e.MarkReturned(epoch)
	require.NoError(t, err)
	assert.False(t, notified, "empty queue")

	require.NoError(t, e.MarkBorrowed("S1"))
	require.NoError(t, e.Reserve("S2", epoch))
	require.NoError(t, e.Reserve("S3", epoch))
	at := epoch.Add(time.Minute)
	notified, err = e.MarkReturned(at)
	require.NoError(t, err)
	assert.True(t, notified)
	assert.Equal(t, StatusAvailable, e.Status)
	assert.Empty(t, e.Holder)

	head, ok := e.HeadReservation()
	require.True(t, ok)
	assert.Equal(t, "S2", head.MemberID)
	assert.Equal(t, at, head.NotifiedAt)
	assert.False(t, e.Queue[1].Notified)
}

func TestCatalogEntryExpiry(t *testing.T) {
	window := 3 * unit
	e := NewCatalogEntry(1, BookInfo{})
	require.NoError(t, e.MarkBorrowed("S1"))
	require.NoError(t, e.Reserve("S2", epoch))
	require.NoError(t, e.Reserve("S3", epoch))

	assert.False(t, e.IsHeadExpired(epoch.Add(time.Hour), window), "not notified yet")
	_, err := e.DropExpiredHead(epoch.Add(time.Hour), window)
	assert.Error(t, err)

	_, err = e.MarkReturned(epoch)
	require.NoError(t, err)
	assert.False(t, e.IsHeadExpired(epoch.Add(window), window))
	assert.True(t, e.IsHeadExpired(epoch.Add(window+time.Nanosecond), window))

	dropped, err := e.DropExpiredHead(epoch.Add(window+time.Second), window)
	require.NoError(t, err)
	assert.Equal(t, "S2", dropped.MemberID)

	head, ok := e.HeadReservation()
	require.True(t, ok)
	assert.Equal(t, "S3", head.MemberID)
	assert.False(t, head.Notified)
	assert.True(t, e.NotifyHeadIfPending(epoch.Add(window+time.Second)))
	assert.False(t, e.NotifyHeadIfPending(epoch.Add(window+time.Second)))
}

func TestCatalogEntryCancelAnywhere(t *testing.T) {
	e := NewCatalogEntry(1, BookInfo{})
	require.NoError(t, e.MarkBorrowed("F1"))
	for _, id := range []string{"S1", "S2", "S3", "S4"} {
		require.NoError(t, e.Reserve(id, epoch))
	}

	assert.True(t, e.CancelReservation("S3"))
	assert.False(t, e.CancelReservation("S3"))
	assert.True(t, e.CancelReservation("S1"))

	var order []string
	for _, r := range e.Queue {
		order = append(order, r.MemberID)
	}
	assert.Equal(t, []string{"S2", "S4"}, order)
	assert.Equal(t, 1, e.Position("S4"))
	assert.Equal(t, -1, e.Position("S1"))
}

func TestCatalogEntryCloneIsDeep(t *testing.T) {
	e := NewCatalogEntry(1, BookInfo{})
	require.NoError(t, e.MarkBorrowed("S1"))
	require.NoError(t, e.Reserve("S2", epoch))

	c := e.Clone()
	c.Queue[0].Notified = true
	c.CancelReservation("S2")
	assert.False(t, e.Queue[0].Notified)
	assert.Len(t, e.Queue, 1)
}

func TestCatalogEntryValidate(t *testing.T) {
	cases := map[string]CatalogEntry{
		"zero id":          {Status: StatusAvailable},
		"holder when free": {ID: 1, Status: StatusAvailable, Holder: "S1"},
		"borrowed no one":  {ID: 1, Status: StatusBorrowed},
		"unknown status":   {ID: 1, Status: "Reserved"},
		"holder queued": {ID: 1, Status: StatusBorrowed, Holder: "S1",
			Queue: []Reservation{{MemberID: "S1"}}},
		"duplicate queue": {ID: 1, Status: StatusBorrowed, Holder: "S1",
			Queue: []Reservation{{MemberID: "S2"}, {MemberID: "S2"}}},
	}
	for name, e := range cases {
		assert.Error(t, e.Validate(), name)
	}
}
