package conductor_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/conductor"
)

// Example_fanOutFanIn schedules one activity per input item and aggregates
// the results once all of them have completed.
func Example_fanOutFanIn() {
	ctx := context.Background()
	runner := conductor.NewLocalRunner()

	conductor.New().
		Orchestrator("Squares", conductor.TypedOrchestrator(func(ctx conductor.OrchestrationContext, in []int) ([]int, error) {
			tasks := make([]conductor.Task, 0, len(in))
			for _, n := range in {
				tasks = append(tasks, ctx.CallActivity("Square", n))
			}
			return conductor.AwaitAll[int](tasks...)
		})).
		Activity("Square", conductor.TypedActivity(func(ctx conductor.ActivityContext, n int) (int, error) {
			return n * n, nil
		})).
		MustRegister(runner.Engine)

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	st, err := runner.Run(ctx, "Squares", []int{1, 2, 3})
	if err != nil {
		log.Fatal(err)
	}

	var out []int
	if err := st.ReadOutput(&out); err != nil {
		log.Fatal(err)
	}
	fmt.Println(st.Status, out)
	// Output: COMPLETED [1 4 9]
}

// Example_externalEvent waits for an approval event with a timeout.
func Example_externalEvent() {
	ctx := context.Background()
	runner := conductor.NewLocalRunner()

	conductor.New().
		Orchestrator("Approval", func(ctx conductor.OrchestrationContext) (any, error) {
			ctx.SetCustomStatus("WaitingForApproval")
			approver, err := conductor.Await[string](ctx.WaitForExternalEvent("Approval", time.Hour))
			if err != nil {
				return "rejected", nil
			}
			return "approved by " + approver, nil
		}).
		MustRegister(runner.Engine)

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.Engine.StartOrchestration(ctx, "Approval", nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := runner.Engine.RaiseEvent(ctx, id, "Approval", "grace"); err != nil {
		log.Fatal(err)
	}

	st, err := runner.Engine.WaitForCompletion(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	var out string
	_ = st.ReadOutput(&out)
	fmt.Println(out)
	// Output: approved by grace
}
