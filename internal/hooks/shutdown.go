package hooks

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/inercia/conduit/internal/logging"
)

// DefaultCleanupTimeout bounds one cleanup function.
const DefaultCleanupTimeout = 10 * time.Second

// ShutdownFunc releases something during shutdown. reason says what
// triggered it: "signal:interrupt", "exit", "agent exited", ...
type ShutdownFunc func(reason string)

// ShutdownManager stops a command once: on SIGINT or SIGTERM, or when
// Shutdown is called. Its context is cancelled first, then the cleanups
// run in reverse order of registration, like deferred calls. A second
// signal while cleanups are running exits the process.
//
// It is safe for concurrent use.
type ShutdownManager struct {
	// CleanupTimeout bounds each cleanup; a cleanup that overruns is
	// abandoned. Zero means DefaultCleanupTimeout.
	CleanupTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	exit   func(code int)

	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []ShutdownFunc
	signals  chan os.Signal
}

// NewShutdownManager returns a manager whose Context derives from parent.
// Signals are not handled until Start.
func NewShutdownManager(parent context.Context) *ShutdownManager {
	ctx, cancel := context.WithCancel(parent)
	return &ShutdownManager{
		ctx:    ctx,
		cancel: cancel,
		exit:   os.Exit,
		done:   make(chan struct{}),
	}
}

// Context is cancelled as soon as shutdown begins.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// AddCleanup registers fn. Cleanups added after shutdown began are not
// run.
func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanups = append(sm.cleanups, fn)
}

// Start handles SIGINT and SIGTERM until shutdown completes.
func (sm *ShutdownManager) Start() {
	logger := logging.WithComponent("shutdown")

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sm.mu.Lock()
	sm.signals = sigChan
	sm.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Signal received, shutting down", "signal", sig.String())
			go sm.Shutdown("signal:" + sig.String())
		case <-sm.done:
			return
		}
		select {
		case sig := <-sigChan:
			logger.Warn("Second signal, exiting now", "signal", sig.String())
			sm.exit(130)
		case <-sm.done:
		}
	}()
}

// Shutdown cancels the context and runs the cleanups. Only the first call
// does anything; every call returns once the cleanups are done.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() { sm.run(reason) })
	<-sm.done
}

func (sm *ShutdownManager) run(reason string) {
	logger := logging.WithComponent("shutdown")
	logger.Debug("Shutdown started", "reason", reason)

	sm.mu.Lock()
	sm.reason = reason
	cleanups := sm.cleanups
	sm.cleanups = nil
	sigChan := sm.signals
	sm.mu.Unlock()

	sm.cancel()

	timeout := sm.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := runCleanup(cleanups[i], reason, timeout); err != nil {
			logger.Warn("Cleanup failed", "index", i, "error", err)
		}
	}

	if sigChan != nil {
		signal.Stop(sigChan)
	}
	logger.Debug("Shutdown complete", "reason", reason)
	close(sm.done)
}

func runCleanup(fn ShutdownFunc, reason string, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("panic: %v", r)
			}
		}()
		fn(reason)
		errc <- nil
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %v", timeout)
	}
}

// Done is closed when shutdown is complete.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns what triggered shutdown, or "" before it.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}
