// Package onboarding is the employee onboarding application run by the demo:
// an orchestration that creates an employee record, sends a welcome mail,
// collects lease-car quotes and waits for a manager's approval.
package onboarding

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Registered names.
const (
	OrchestratorOnboarding   = "EmployeeOnboarding"
	OrchestratorQuoteRefresh = "QuoteRefresh"

	ActivityCreateRecord = "CreateRecord"
	ActivitySendWelcome  = "SendWelcome"
	ActivityGetQuote     = "GetQuote"

	EntityDepartment = "Department"
	OperationHire    = "hire"
	OperationClose   = "close"

	// ApprovalEvent carries a bool: true approves the hire.
	ApprovalEvent = "Approval"
)

// Custom status values reported by EmployeeOnboarding.
const (
	StatusCreatingRecord     = "CreatingRecord"
	StatusCollectingQuotes   = "CollectingQuotes"
	StatusWaitingForApproval = "WaitingForApproval"
	StatusFinished           = "Finished"
)

// Approval outcomes recorded in Result.Outcome.
const (
	OutcomeApproved = "Approved"
	OutcomeRejected = "Rejected"
	OutcomeTimedOut = "TimedOut"
)

// MaxAge is the highest age CreateRecord accepts.
const MaxAge = 100

// DefaultApprovalTimeout bounds the wait for ApprovalEvent.
const DefaultApprovalTimeout = 60 * time.Second

// DefaultDealers are asked for a quote when NewEmployee.Dealers is empty.
var DefaultDealers = []string{"Autohaus", "Bolidi", "CarCo"}

// NewEmployee is the input of EmployeeOnboarding and of the Department
// entity's hire operation.
type NewEmployee struct {
	FullName string   `json:"fullName"`
	Age      int      `json:"age"`
	Dealers  []string `json:"dealers,omitempty"`
}

// Employee is the record created by CreateRecord.
type Employee struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"fullName"`
	Age      int       `json:"age"`
}

// QuoteRequest is the input of GetQuote.
type QuoteRequest struct {
	EmployeeID uuid.UUID `json:"employeeId"`
	Dealer     string    `json:"dealer"`
}

// Quote is the output of GetQuote.
type Quote struct {
	Dealer string  `json:"dealer"`
	Amount float64 `json:"amount"`
}

// Result is the output of EmployeeOnboarding.
type Result struct {
	EmployeeID uuid.UUID `json:"employeeId"`
	FullName   string    `json:"fullName"`
	BestQuote  Quote     `json:"bestQuote"`
	Outcome    string    `json:"outcome"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// RefreshArgs is the input of QuoteRefresh. Every execution asks the dealers
// again, keeps the cheapest quote seen so far and continues as new until
// Remaining reaches zero.
type RefreshArgs struct {
	EmployeeID uuid.UUID     `json:"employeeId"`
	Dealers    []string      `json:"dealers"`
	Interval   time.Duration `json:"interval"`
	Remaining  int           `json:"remaining"`
	Best       *Quote        `json:"best,omitempty"`
	Rounds     int           `json:"rounds"`
}

// DepartmentState is the persisted state of a Department entity.
type DepartmentState struct {
	Hires []Hire `json:"hires"`
}

// Hire links an employee name to the onboarding instance started for them.
type Hire struct {
	FullName   string `json:"fullName"`
	InstanceID string `json:"instanceId"`
}
