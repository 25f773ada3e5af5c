package onboarding

import (
	"log/slog"

	"github.com/petrijr/conductor/pkg/api"
)

// Department returns the operations of the Department entity. Each hire
// starts an EmployeeOnboarding instance once the turn commits.
func Department() map[string]api.EntityOperation {
	return map[string]api.EntityOperation{
		OperationHire:  hire,
		OperationClose: closeDepartment,
	}
}

func hire(ctx api.EntityContext) error {
	var in NewEmployee
	if err := ctx.GetInput(&in); err != nil {
		return err
	}
	var state DepartmentState
	if err := ctx.GetState(&state); err != nil {
		return err
	}

	id, err := ctx.StartOrchestration(OrchestratorOnboarding, in)
	if err != nil {
		return err
	}
	state.Hires = append(state.Hires, Hire{FullName: in.FullName, InstanceID: id})
	ctx.Logger().Info("hire started",
		slog.String("department", ctx.ID().Key),
		slog.String("instance_id", id),
	)
	return ctx.SetState(state)
}

func closeDepartment(ctx api.EntityContext) error {
	ctx.DeleteState()
	return nil
}
