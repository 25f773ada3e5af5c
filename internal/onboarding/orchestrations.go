package onboarding

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

// Onboarding returns the EmployeeOnboarding orchestrator. approvalTimeout
// <= 0 uses DefaultApprovalTimeout.
func Onboarding(approvalTimeout time.Duration) api.Orchestrator {
	if approvalTimeout <= 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	return func(ctx api.OrchestrationContext) (any, error) {
		var in NewEmployee
		if err := ctx.GetInput(&in); err != nil {
			return nil, err
		}
		logger := ctx.Logger().With(slog.String("full_name", in.FullName))

		ctx.SetCustomStatus(StatusCreatingRecord)
		var employee Employee
		if err := ctx.CallActivity(ActivityCreateRecord, in).Await(&employee); err != nil {
			return nil, err
		}
		logger.Info("employee record created", slog.String("employee_id", employee.ID.String()))

		if err := ctx.CallActivity(ActivitySendWelcome, employee).Await(nil); err != nil {
			return nil, err
		}

		ctx.SetCustomStatus(StatusCollectingQuotes)
		best, err := collectQuotes(ctx, employee, dealersOrDefault(in.Dealers))
		if err != nil {
			return nil, err
		}
		logger.Info("best quote selected", slog.String("dealer", best.Dealer), slog.Float64("amount", best.Amount))

		ctx.SetCustomStatus(StatusWaitingForApproval)
		outcome, err := awaitApproval(ctx, approvalTimeout)
		if err != nil {
			return nil, err
		}

		ctx.SetCustomStatus(StatusFinished)
		return Result{
			EmployeeID: employee.ID,
			FullName:   employee.FullName,
			BestQuote:  best,
			Outcome:    outcome,
			DecidedAt:  ctx.CurrentTime(),
		}, nil
	}
}

// collectQuotes fans out one GetQuote per dealer and returns the cheapest.
func collectQuotes(ctx api.OrchestrationContext, employee Employee, dealers []string) (Quote, error) {
	tasks := make([]api.Task, 0, len(dealers))
	for _, dealer := range dealers {
		tasks = append(tasks, ctx.CallActivity(ActivityGetQuote, QuoteRequest{EmployeeID: employee.ID, Dealer: dealer}))
	}

	quotes := make([]Quote, len(tasks))
	for i, t := range tasks {
		if err := t.Await(&quotes[i]); err != nil {
			return Quote{}, err
		}
	}
	return cheapest(quotes)
}

func cheapest(quotes []Quote) (Quote, error) {
	if len(quotes) == 0 {
		return Quote{}, errors.New("no quotes received")
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Amount < best.Amount {
			best = q
		}
	}
	return best, nil
}

// awaitApproval treats a timeout as a decision, not a failure.
func awaitApproval(ctx api.OrchestrationContext, timeout time.Duration) (string, error) {
	var approved bool
	err := ctx.WaitForExternalEvent(ApprovalEvent, timeout).Await(&approved)
	switch {
	case errors.Is(err, api.ErrEventTimeout):
		return OutcomeTimedOut, nil
	case err != nil:
		return "", fmt.Errorf("decode approval: %w", err)
	case approved:
		return OutcomeApproved, nil
	default:
		return OutcomeRejected, nil
	}
}

// QuoteRefresh asks the dealers again every Interval and keeps the cheapest
// quote, continuing as new so the history stays bounded.
func QuoteRefresh(ctx api.OrchestrationContext) (any, error) {
	var args RefreshArgs
	if err := ctx.GetInput(&args); err != nil {
		return nil, err
	}

	best, err := collectQuotes(ctx, Employee{ID: args.EmployeeID}, dealersOrDefault(args.Dealers))
	if err != nil {
		return nil, err
	}
	if args.Best == nil || best.Amount < args.Best.Amount {
		args.Best = &best
	}
	args.Rounds++
	ctx.SetCustomStatus(args.Best)

	if args.Remaining <= 0 {
		return args.Best, nil
	}
	if args.Interval > 0 {
		if err := ctx.CreateTimer(args.Interval).Await(nil); err != nil {
			return nil, err
		}
	}
	args.Remaining--
	ctx.ContinueAsNew(args)
	return nil, nil
}

func dealersOrDefault(dealers []string) []string {
	if len(dealers) == 0 {
		return DefaultDealers
	}
	return dealers
}
