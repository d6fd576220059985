package lending

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerBorrowAndReturn(t *testing.T) {
	l := NewLedger("S1")
	require.NoError(t, l.RecordBorrow(4, epoch, epoch.Add(15*unit)))
	assert.Error(t, l.RecordBorrow(4, epoch, epoch.Add(15*unit)))
	require.NoError(t, l.RecordBorrow(2, epoch, epoch.Add(15*unit)))
	assert.Equal(t, []int64{2, 4}, l.BorrowedBooks())
	assert.NoError(t, l.Validate())

	require.NoError(t, l.RecordReturn(4, epoch.Add(unit)))
	assert.Error(t, l.RecordReturn(4, epoch.Add(unit)))
	assert.Equal(t, []int64{2}, l.BorrowedBooks())
	assert.True(t, l.History[0].Returned)
	assert.False(t, l.History[1].Returned)
	assert.NoError(t, l.Validate())

	// Borrowing the same book again opens a second history entry.
	require.NoError(t, l.RecordBorrow(4, epoch.Add(2*unit), epoch.Add(17*unit)))
	assert.Len(t, l.History, 3)
	assert.NotEqual(t, l.History[0].ID, l.History[2].ID)
}

func TestLedgerAssessFineClampsAtZero(t *testing.T) {
	l := NewLedger("S1")
	assert.True(t, l.FinePaid)

	l.AssessFine(decimal.NewFromInt(30))
	assert.False(t, l.FinePaid)
	assert.Equal(t, "30", l.FineBalance.String())

	l.AssessFine(decimal.NewFromInt(-45))
	assert.True(t, l.FineBalance.IsZero())
	assert.True(t, l.FinePaid)
	assert.NoError(t, l.Validate())
}

func TestLedgerCanBorrowMore(t *testing.T) {
	student := PolicyFor(RoleStudent)
	l := NewLedger("S1")
	for id := int64(1); id <= 3; id++ {
		assert.True(t, l.CanBorrowMore(student))
		require.NoError(t, l.RecordBorrow(id, epoch, epoch))
	}
	assert.False(t, l.CanBorrowMore(student))

	require.NoError(t, l.RecordReturn(1, epoch))
	l.AssessFine(decimal.NewFromInt(1))
	assert.False(t, l.CanBorrowMore(student))
}

func TestLedgerValidateCatchesDrift(t *testing.T) {
	l := NewLedger("S1")
	require.NoError(t, l.RecordBorrow(1, epoch, epoch))
	l.Borrowed = map[int64]struct{}{}
	assert.Error(t, l.Validate())

	l = NewLedger("S1")
	l.FineBalance = decimal.NewFromInt(5)
	assert.Error(t, l.Validate(), "fine paid flag disagrees")
}

func TestUnitsOverdue(t *testing.T) {
	due := epoch
	cases := []struct {
		now  time.Time
		want int
	}{
		{due, 0},
		{due.Add(9 * time.Second), 0},
		{due.Add(10 * time.Second), 1},
		{due.Add(-time.Second), -1},
		{due.Add(-10 * time.Second), -1},
		{due.Add(-11 * time.Second), -2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, UnitsOverdue(due, tc.now, unit), tc.now.Sub(due).String())
	}
}
