package conductor

// TypedActivity wraps a strongly-typed function into an Activity.
// Example:
//
//	conductor.TypedActivity(func(ctx conductor.ActivityContext, n int) (int, error) { return n * n, nil })
func TypedActivity[I, O any](fn func(ActivityContext, I) (O, error)) Activity {
	return func(ctx ActivityContext) (any, error) {
		var in I
		if err := ctx.GetInput(&in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// TypedOrchestrator wraps a strongly-typed function into an Orchestrator.
func TypedOrchestrator[I, O any](fn func(OrchestrationContext, I) (O, error)) Orchestrator {
	return func(ctx OrchestrationContext) (any, error) {
		var in I
		if err := ctx.GetInput(&in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// TypedEntity wraps an operation over state S into an EntityOperation.
// fn receives the current state (the zero value for a new entity) and the
// decoded input; the state it returns is committed with the turn.
func TypedEntity[S, I any](fn func(EntityContext, S, I) (S, error)) EntityOperation {
	return func(ctx EntityContext) error {
		var state S
		if err := ctx.GetState(&state); err != nil {
			return err
		}
		var in I
		if err := ctx.GetInput(&in); err != nil {
			return err
		}
		next, err := fn(ctx, state, in)
		if err != nil {
			return err
		}
		return ctx.SetState(next)
	}
}

// Await waits for t and decodes its result as T.
func Await[T any](t Task) (T, error) {
	var v T
	err := t.Await(&v)
	return v, err
}

// AwaitAll waits for every task in order and decodes the results as T.
// The first error is returned after all tasks have been awaited.
func AwaitAll[T any](tasks ...Task) ([]T, error) {
	out := make([]T, len(tasks))
	var firstErr error
	for i, t := range tasks {
		if err := t.Await(&out[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}
