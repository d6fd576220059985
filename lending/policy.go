package lending

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleStudent   Role = "Student"
	RoleFaculty   Role = "Faculty"
	RoleLibrarian Role = "Librarian"
)

// ParseRole accepts the role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student":
		return RoleStudent, nil
	case "faculty":
		return RoleFaculty, nil
	case "librarian":
		return RoleLibrarian, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// HoldsLedger reports whether members of this role get a Member Ledger.
func (r Role) HoldsLedger() bool { return PolicyFor(r).MaxConcurrentLoans > 0 }

// Member is the identity a ledger belongs to. PasswordHash is carried for the
// persistence layer and never read by the engine.
type Member struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Email        string `json:"email" yaml:"email"`
	Role         Role   `json:"role" yaml:"role"`
	PasswordHash string `json:"-" yaml:"-"`
}

// StudentFineRate is charged per overdue time unit once the grace has run out.
var StudentFineRate = decimal.NewFromInt(10)

// Policy is the eligibility row for one role. Periods are in time units.
type Policy struct {
	MaxConcurrentLoans int
	LoanPeriod         int
	// SoleLoan requires the member to hold no other book when borrowing.
	SoleLoan bool
	// FineGrace is independent of LoanPeriod even where the two agree.
	FineGrace int
	FineRate  decimal.Decimal
}

var policies = map[Role]Policy{
	RoleStudent: {
		MaxConcurrentLoans: 3,
		LoanPeriod:         15,
		FineGrace:          15,
		FineRate:           StudentFineRate,
	},
	RoleFaculty: {
		MaxConcurrentLoans: 5,
		LoanPeriod:         30,
		SoleLoan:           true,
		FineRate:           decimal.Zero,
	},
	RoleLibrarian: {FineRate: decimal.Zero},
}

// PolicyFor returns the policy of r. Unknown roles get the zero policy and
// therefore cannot borrow.
func PolicyFor(r Role) Policy {
	p, ok := policies[r]
	if !ok {
		return Policy{FineRate: decimal.Zero}
	}
	return p
}

func (p Policy) CanBorrow() bool { return p.MaxConcurrentLoans > 0 }

// Fine is the total fine owed for a loan that is unitsOverdue past its due
// instant. Negative values mean the loan is not overdue.
func (p Policy) Fine(unitsOverdue int) decimal.Decimal {
	chargeable := unitsOverdue - p.FineGrace
	if unitsOverdue < 0 || chargeable <= 0 || p.FineRate.IsZero() {
		return decimal.Zero
	}
	return p.FineRate.Mul(decimal.NewFromInt(int64(chargeable)))
}
