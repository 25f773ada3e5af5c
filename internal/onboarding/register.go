package onboarding

import (
	"errors"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

// QuoteRetry is the retry policy of GetQuote.
var QuoteRetry = api.RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    200 * time.Millisecond,
	BackoffMultiplier: 2,
	MaxBackoff:        2 * time.Second,
}

// Options configure Register.
type Options struct {
	ApprovalTimeout time.Duration
}

// Register registers the onboarding orchestrators, activities and the
// Department entity on eng.
func Register(eng api.Engine, acts *Activities, opts Options) error {
	retry := QuoteRetry
	return errors.Join(
		eng.RegisterActivity(ActivityCreateRecord, acts.CreateRecord, api.ActivityOptions{}),
		eng.RegisterActivity(ActivitySendWelcome, acts.SendWelcome, api.ActivityOptions{}),
		eng.RegisterActivity(ActivityGetQuote, acts.GetQuote, api.ActivityOptions{Retry: &retry}),
		eng.RegisterOrchestrator(OrchestratorOnboarding, Onboarding(opts.ApprovalTimeout)),
		eng.RegisterOrchestrator(OrchestratorQuoteRefresh, QuoteRefresh),
		eng.RegisterEntity(EntityDepartment, Department()),
	)
}
