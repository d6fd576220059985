package lending

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Borrow lends bookID to memberID. The book must be Available, the member's
// role must allow another loan, and no other member may be ahead in the
// book's queue. Expired queue heads are dropped on the way.
func (e *Engine) Borrow(ctx context.Context, memberID string, bookID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	member, ok := e.members[memberID]
	if !ok {
		return e.reject("borrow", memberID, bookID, ErrMemberNotFound)
	}
	entry, ok := e.entries[bookID]
	if !ok {
		return e.reject("borrow", memberID, bookID, ErrBookNotFound)
	}
	policy := PolicyFor(member.Role)
	ledger, hasLedger := e.ledgers[memberID]
	if !policy.CanBorrow() || !hasLedger {
		return e.reject("borrow", memberID, bookID, ErrNotEligible)
	}
	if !entry.IsAvailable() {
		return e.reject("borrow", memberID, bookID, ErrBookUnavailable)
	}

	now := e.clock.Now()
	next := entry.Clone()
	next.DropExpiredHeads(now, e.window())
	if head, ok := next.HeadReservation(); ok && head.MemberID != memberID {
		return e.reject("borrow", memberID, bookID, ErrReservedForOther)
	}

	if !ledger.CanBorrowMore(policy) {
		if !ledger.FinePaid {
			return e.reject("borrow", memberID, bookID, ErrUnpaidFines)
		}
		return e.reject("borrow", memberID, bookID, ErrLoanLimitReached)
	}
	if policy.SoleLoan && len(ledger.Borrowed) > 0 {
		return e.reject("borrow", memberID, bookID, ErrSoleLoanOnly)
	}

	nextLedger := ledger.Clone()
	due := now.Add(time.Duration(policy.LoanPeriod) * e.cfg.TimeUnit)
	if err := next.MarkBorrowed(memberID); err != nil {
		return err
	}
	if err := nextLedger.RecordBorrow(bookID, now, due); err != nil {
		return err
	}
	next.CancelReservation(memberID)

	if err := e.persist(ctx, next, entry, nextLedger); err != nil {
		return err
	}
	e.entries[bookID] = next
	e.ledgers[memberID] = nextLedger
	e.log.Info("Book borrowed", "member", memberID, "book", bookID, "due_at", due)
	return nil
}

// Return takes bookID back from memberID and notifies the next member in
// the queue.
func (e *Engine) Return(ctx context.Context, memberID string, bookID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	entry, ok := e.entries[bookID]
	if !ok {
		return e.reject("return", memberID, bookID, ErrBookNotFound)
	}
	ledger, ok := e.ledgers[memberID]
	if !ok || entry.Status != StatusBorrowed || entry.Holder != memberID {
		return e.reject("return", memberID, bookID, ErrNotHolder)
	}

	now := e.clock.Now()
	next := entry.Clone()
	nextLedger := ledger.Clone()
	notified, err := next.MarkReturned(now)
	if err != nil {
		return err
	}
	if err := nextLedger.RecordReturn(bookID, now); err != nil {
		return err
	}

	if err := e.persist(ctx, next, entry, nextLedger); err != nil {
		return err
	}
	e.entries[bookID] = next
	e.ledgers[memberID] = nextLedger
	e.log.Info("Book returned", "member", memberID, "book", bookID)
	if notified {
		e.notify(ctx, next)
	}
	return nil
}

// Reserve queues memberID for a Borrowed book they do not hold.
func (e *Engine) Reserve(ctx context.Context, memberID string, bookID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	member, ok := e.members[memberID]
	if !ok {
		return e.reject("reserve", memberID, bookID, ErrMemberNotFound)
	}
	entry, ok := e.entries[bookID]
	if !ok {
		return e.reject("reserve", memberID, bookID, ErrBookNotFound)
	}
	if !PolicyFor(member.Role).CanBorrow() {
		return e.reject("reserve", memberID, bookID, ErrNotEligible)
	}

	next := entry.Clone()
	if err := next.Reserve(memberID, e.clock.Now()); err != nil {
		return e.reject("reserve", memberID, bookID, err)
	}
	if err := e.persist(ctx, next, nil, nil); err != nil {
		return err
	}
	e.entries[bookID] = next
	e.log.Info("Book reserved", "member", memberID, "book", bookID, "position", len(next.Queue))
	return nil
}

// CancelReservation removes memberID from bookID's queue. If that uncovers a
// new head for an Available book, the new head is notified.
func (e *Engine) CancelReservation(ctx context.Context, memberID string, bookID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return err
	}

	entry, ok := e.entries[bookID]
	if !ok {
		return e.reject("cancel", memberID, bookID, ErrBookNotFound)
	}
	next := entry.Clone()
	if !next.CancelReservation(memberID) {
		return e.reject("cancel", memberID, bookID, ErrNoReservation)
	}
	notified := next.NotifyHeadIfPending(e.clock.Now())

	if err := e.persist(ctx, next, nil, nil); err != nil {
		return err
	}
	e.entries[bookID] = next
	e.log.Info("Reservation cancelled", "member", memberID, "book", bookID)
	if notified {
		e.notify(ctx, next)
	}
	return nil
}

// Expiry names a reservation dropped because its holder did not act in time.
type Expiry struct {
	MemberID string
	BookID   int64
}

// SweepReservations drops every expired queue head as of now. It keeps going
// past save failures and reports them joined.
func (e *Engine) SweepReservations(ctx context.Context, now time.Time) ([]Expiry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return nil, err
	}

	var (
		expired []Expiry
		errs    []error
	)
	for _, bookID := range slices.Sorted(maps.Keys(e.entries)) {
		entry := e.entries[bookID]
		if !entry.IsHeadExpired(now, e.window()) {
			continue
		}
		next := entry.Clone()
		var dropped []Expiry
		for _, head := range next.DropExpiredHeads(now, e.window()) {
			dropped = append(dropped, Expiry{MemberID: head.MemberID, BookID: bookID})
		}
		notified := next.NotifyHeadIfPending(now)

		if err := e.persist(ctx, next, nil, nil); err != nil {
			e.log.Error("Failed to save reservation expiry", "book", bookID, "err", err)
			errs = append(errs, err)
			continue
		}
		e.entries[bookID] = next
		for _, x := range dropped {
			e.log.Info("Reservation expired", "member", x.MemberID, "book", x.BookID)
		}
		expired = append(expired, dropped...)
		if notified {
			e.notify(ctx, next)
		}
	}
	return expired, errors.Join(errs...)
}

// SweepFines brings every open loan's fine up to date as of now and returns
// the fine total of each member with an open loan. A loan is only ever
// charged the difference between what it owes now and what it was already
// charged, so repeated sweeps do not double count.
func (e *Engine) SweepFines(ctx context.Context, now time.Time) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return nil, err
	}

	totals := map[string]decimal.Decimal{}
	var errs []error
	for _, memberID := range slices.Sorted(maps.Keys(e.ledgers)) {
		ledger := e.ledgers[memberID]
		if len(ledger.Borrowed) == 0 {
			continue
		}
		policy := PolicyFor(e.members[memberID].Role)
		next := ledger.Clone()
		if next.reconcileFines(policy, now, e.cfg.TimeUnit) {
			if err := e.persist(ctx, nil, nil, next); err != nil {
				e.log.Error("Failed to save fines", "member", memberID, "err", err)
				errs = append(errs, err)
				totals[memberID] = ledger.FineBalance
				continue
			}
			e.ledgers[memberID] = next
			e.log.Info("Fine assessed", "member", memberID, "total", next.FineBalance.StringFixed(2))
		}
		totals[memberID] = next.FineBalance
	}
	return totals, errors.Join(errs...)
}

// PayFine reduces memberID's balance by amount, never below zero, and
// returns the new balance.
func (e *Engine) PayFine(ctx context.Context, memberID string, amount decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.syncIfStale(ctx); err != nil {
		return decimal.Zero, err
	}

	ledger, ok := e.ledgers[memberID]
	if !ok {
		return decimal.Zero, e.reject("pay", memberID, 0, ErrMemberNotFound)
	}
	if amount.Sign() <= 0 {
		return ledger.FineBalance, e.reject("pay", memberID, 0, ErrInvalidAmount)
	}
	next := ledger.Clone()
	balance := next.AssessFine(amount.Neg())
	if err := e.persist(ctx, nil, nil, next); err != nil {
		return ledger.FineBalance, fmt.Errorf("pay fine: %w", err)
	}
	e.ledgers[memberID] = next
	e.log.Info("Fine paid", "member", memberID, "amount", amount.StringFixed(2), "balance", balance.StringFixed(2))
	return balance, nil
}
