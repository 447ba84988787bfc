package runtime

import "context"

type emitterKey struct{}

// ContextWithEmitter returns a stage context carrying the turn's emitter.
// TurnScheduler.Run installs it once per turn; every StageRunner call and
// every stage below it emits through the same ordered sink.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext returns the turn's emitter, or a no-op when the
// runner is used outside a scheduled turn.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}
