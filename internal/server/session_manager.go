package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/michaelbrown/jsand/internal/sandbox"
)

// ErrBusy is returned by Start while another session is running.
var ErrBusy = errors.New("a sandbox session is already running")

// RunFunc runs one session to completion.
type RunFunc func(ctx context.Context) (*sandbox.Outcome, error)

// ActiveSession tracks the session currently running in the background.
type ActiveSession struct {
	ID      string
	Entry   string
	Started time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	outcome *sandbox.Outcome
	err     error
}

// Done is closed when the run returns.
func (as *ActiveSession) Done() <-chan struct{} { return as.done }

// Result returns the outcome once Done is closed.
func (as *ActiveSession) Result() (*sandbox.Outcome, error) {
	<-as.done
	return as.outcome, as.err
}

// SessionManager runs at most one sandbox session at a time.
type SessionManager struct {
	mu     sync.Mutex
	active *ActiveSession
	wg     sync.WaitGroup
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// Start runs fn in the background under id. It fails with ErrBusy when a
// session is already active.
func (sm *SessionManager) Start(id, entry string, fn RunFunc) (*ActiveSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active != nil {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	as := &ActiveSession{
		ID:      id,
		Entry:   entry,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sm.active = as
	sm.wg.Add(1)

	go func() {
		defer sm.wg.Done()
		defer cancel()
		as.outcome, as.err = fn(ctx)

		sm.mu.Lock()
		if sm.active == as {
			sm.active = nil
		}
		sm.mu.Unlock()
		close(as.done)
	}()
	return as, nil
}

// Get returns the active session if its id matches.
func (sm *SessionManager) Get(id string) (*ActiveSession, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil || sm.active.ID != id {
		return nil, false
	}
	return sm.active, true
}

// Active returns the running session, or nil.
func (sm *SessionManager) Active() *ActiveSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Remove cancels the session with id, if running, and waits for its
// teardown to finish.
func (sm *SessionManager) Remove(id string) {
	as, ok := sm.Get(id)
	if !ok {
		return
	}
	as.cancel()
	<-as.done
}

// CloseAll cancels the running session and waits for it.
func (sm *SessionManager) CloseAll() {
	if as := sm.Active(); as != nil {
		as.cancel()
	}
	sm.wg.Wait()
}
