package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/petrijr/conductor/pkg/api"
)

// recordNamespace derives record ids from instance ids, so a retried or
// redelivered CreateRecord produces the same employee.
var recordNamespace = uuid.Must(uuid.FromString("8f0c5c9e-4d0b-4a52-9a8e-2f1d2c7f6b11"))

// Records stores employee records.
type Records interface {
	Create(ctx context.Context, e Employee) error
}

// Mailer sends the welcome mail.
type Mailer interface {
	SendWelcome(ctx context.Context, e Employee) error
}

// Dealers quotes lease cars.
type Dealers interface {
	Quote(ctx context.Context, dealer string, employeeID uuid.UUID) (float64, error)
}

// Activities implements the onboarding activities on top of its collaborators.
type Activities struct {
	Records Records
	Mailer  Mailer
	Dealers Dealers
}

// NewFakeActivities returns Activities backed by in-process fakes quoting
// {50000, 42000, 61000} for DefaultDealers.
func NewFakeActivities(logger *slog.Logger) *Activities {
	return &Activities{
		Records: NewMemoryRecords(),
		Mailer:  &LogMailer{Logger: logger},
		Dealers: FixedDealers{
			DefaultDealers[0]: 50000,
			DefaultDealers[1]: 42000,
			DefaultDealers[2]: 61000,
		},
	}
}

func (a *Activities) CreateRecord(ctx api.ActivityContext) (any, error) {
	var in NewEmployee
	if err := ctx.GetInput(&in); err != nil {
		return nil, err
	}
	if in.Age > MaxAge {
		return nil, api.NewApplicationError("InvalidAge",
			fmt.Sprintf("age %d of %s is not believable", in.Age, in.FullName), false)
	}
	if in.FullName == "" {
		return nil, api.NewApplicationError("InvalidName", "full name is required", false)
	}

	e := Employee{
		ID:       uuid.NewV5(recordNamespace, ctx.InstanceID()),
		FullName: in.FullName,
		Age:      in.Age,
	}
	ctx.Logger().Info("creating employee record", slog.String("employee_id", e.ID.String()))
	if err := a.Records.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (a *Activities) SendWelcome(ctx api.ActivityContext) (any, error) {
	var e Employee
	if err := ctx.GetInput(&e); err != nil {
		return nil, err
	}
	return nil, a.Mailer.SendWelcome(ctx, e)
}

func (a *Activities) GetQuote(ctx api.ActivityContext) (any, error) {
	var req QuoteRequest
	if err := ctx.GetInput(&req); err != nil {
		return nil, err
	}
	amount, err := a.Dealers.Quote(ctx, req.Dealer, req.EmployeeID)
	if err != nil {
		return nil, err
	}
	return Quote{Dealer: req.Dealer, Amount: amount}, nil
}

// MemoryRecords is an in-memory Records. Creating an existing id is a no-op.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[uuid.UUID]Employee
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[uuid.UUID]Employee)}
}

func (r *MemoryRecords) Create(ctx context.Context, e Employee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[e.ID]; !ok {
		r.records[e.ID] = e
	}
	return nil
}

// Get returns the record with the given id.
func (r *MemoryRecords) Get(id uuid.UUID) (Employee, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	return e, ok
}

// Len returns the number of stored records.
func (r *MemoryRecords) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// LogMailer "sends" mail by logging it.
type LogMailer struct {
	Logger *slog.Logger

	mu   sync.Mutex
	sent []uuid.UUID
}

func (m *LogMailer) SendWelcome(ctx context.Context, e Employee) error {
	m.mu.Lock()
	m.sent = append(m.sent, e.ID)
	m.mu.Unlock()

	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "welcome mail sent",
		slog.String("employee_id", e.ID.String()),
		slog.String("full_name", e.FullName),
	)
	return nil
}

// Sent returns the employee ids mailed so far.
func (m *LogMailer) Sent() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.sent...)
}

// ErrUnknownDealer is returned by FixedDealers for dealers without a price.
var ErrUnknownDealer = errors.New("unknown dealer")

// FixedDealers quotes a fixed amount per dealer.
type FixedDealers map[string]float64

func (d FixedDealers) Quote(ctx context.Context, dealer string, employeeID uuid.UUID) (float64, error) {
	amount, ok := d[dealer]
	if !ok {
		return 0, api.NewApplicationError("UnknownDealer", fmt.Sprintf("%s: %s", ErrUnknownDealer, dealer), false)
	}
	return amount, nil
}
