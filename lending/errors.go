package lending

import "errors"

// ErrRejected is matched by every guard failure below, so callers can tell
// an expected refusal apart from a storage error.
var ErrRejected = errors.New("intent rejected")

// ErrConflict is returned by a store when the record being saved was changed
// by another writer since it was loaded. The engine reloads before its next
// intent.
var ErrConflict = errors.New("record was changed by another process")

func rejection(msg string) error {
	return &rejectedError{msg: msg}
}

type rejectedError struct{ msg string }

func (e *rejectedError) Error() string        { return e.msg }
func (e *rejectedError) Is(target error) bool { return target == ErrRejected }

var (
	ErrBookNotFound   = rejection("book does not exist")
	ErrMemberNotFound = rejection("member does not exist")
	ErrDuplicateID    = rejection("identifier already in use")

	ErrNotEligible      = rejection("member role is not allowed to borrow")
	ErrBookUnavailable  = rejection("book is already borrowed")
	ErrReservedForOther = rejection("book is reserved for another member")
	ErrLoanLimitReached = rejection("member has reached the loan limit")
	ErrUnpaidFines      = rejection("member has unpaid fines")
	ErrSoleLoanOnly     = rejection("member must return the current book first")
	ErrNotHolder        = rejection("book is not borrowed by this member")

	ErrBookAvailable   = rejection("book is available for borrowing, no need to reserve")
	ErrAlreadyHolder   = rejection("member already holds this book")
	ErrAlreadyReserved = rejection("member already has a reservation for this book")
	ErrNoReservation   = rejection("no reservation found for this member")

	ErrBookBorrowed     = rejection("book is currently borrowed")
	ErrOutstandingLoans = rejection("member has borrowed books that must be returned first")
	ErrOutstandingFines = rejection("member has unpaid fines that must be cleared first")
	ErrInvalidAmount    = rejection("amount must be positive")
)
