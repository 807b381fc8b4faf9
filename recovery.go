package bullshark

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicHandler receives the recovered panic value and stack trace.
type PanicHandler func(panicVal interface{}, stack []byte)

// RecoveryConfig configures panic recovery behavior.
type RecoveryConfig struct {
	// Handler is called when a panic is recovered. If nil, the panic is
	// logged and the goroutine terminates cleanly.
	Handler PanicHandler

	// Logger for recording recovered panics.
	Logger *zap.Logger

	// Rethrow re-raises the panic after handling.
	Rethrow bool
}

// GoWithRecovery starts a goroutine with panic recovery.
func GoWithRecovery(cfg RecoveryConfig, fn func()) {
	go func() {
		defer RecoverPanic(cfg)
		fn()
	}()
}

// GoWithRecoveryCtx starts a goroutine with panic recovery. The function
// receives the context and can check for cancellation.
func GoWithRecoveryCtx(ctx context.Context, cfg RecoveryConfig, fn func(context.Context)) {
	go func() {
		defer RecoverPanic(cfg)
		fn(ctx)
	}()
}

// RecoverPanic recovers from a panic and handles it according to config.
// Use as: defer RecoverPanic(cfg)
func RecoverPanic(cfg RecoveryConfig) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()

	if cfg.Logger != nil {
		cfg.Logger.Error("recovered panic",
			zap.Any("panic", r),
			zap.ByteString("stack", stack))
	}
	if cfg.Handler != nil {
		cfg.Handler(r, stack)
	}
	if cfg.Rethrow {
		panic(r)
	}
}

// SafeGo starts a goroutine whose panics are logged and swallowed.
func SafeGo(logger *zap.Logger, fn func()) {
	GoWithRecovery(RecoveryConfig{Logger: logger}, fn)
}

// SafeGoCtx is SafeGo with a context passed through to the function.
func SafeGoCtx(ctx context.Context, logger *zap.Logger, fn func(context.Context)) {
	GoWithRecoveryCtx(ctx, RecoveryConfig{Logger: logger}, fn)
}

// guarded wraps an event callback with panic recovery. Nil callbacks stay
// nil so the emitting side's nil checks keep working.
func guarded[E any](logger *zap.Logger, fn func(E)) func(E) {
	if fn == nil {
		return nil
	}
	return func(e E) {
		defer RecoverPanic(RecoveryConfig{Logger: logger})
		fn(e)
	}
}

// NewRecoveryMiddleware wraps every hook with panic recovery so a faulty
// observer cannot take down the goroutine that fired the event.
func NewRecoveryMiddleware[H Hash](hooks *Hooks[H], logger *zap.Logger) *Hooks[H] {
	if hooks == nil {
		return nil
	}

	w := hooks.Clone()

	w.OnTransmissionReceived = guarded(logger, w.OnTransmissionReceived)
	w.OnBatchCreated = guarded(logger, w.OnBatchCreated)
	w.OnBatchReceived = guarded(logger, w.OnBatchReceived)
	w.OnHeaderCreated = guarded(logger, w.OnHeaderCreated)
	w.OnHeaderReceived = guarded(logger, w.OnHeaderReceived)
	w.OnSignatureReceived = guarded(logger, w.OnSignatureReceived)
	w.OnSignatureSent = guarded(logger, w.OnSignatureSent)
	w.OnCertificateFormed = guarded(logger, w.OnCertificateFormed)
	w.OnCertificateReceived = guarded(logger, w.OnCertificateReceived)
	w.OnProposalTimeout = guarded(logger, w.OnProposalTimeout)
	w.OnCertificateInserted = guarded(logger, w.OnCertificateInserted)
	w.OnRoundAdvanced = guarded(logger, w.OnRoundAdvanced)
	w.OnEquivocationDetected = guarded(logger, w.OnEquivocationDetected)
	w.OnCertificateDeferred = guarded(logger, w.OnCertificateDeferred)
	w.OnFetchStarted = guarded(logger, w.OnFetchStarted)
	w.OnFetchCompleted = guarded(logger, w.OnFetchCompleted)
	w.OnCommit = guarded(logger, w.OnCommit)
	w.OnGarbageCollected = guarded(logger, w.OnGarbageCollected)

	return w
}
