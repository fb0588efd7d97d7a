// Package createrepo implements the two-phase repository creation flow:
// a repository directory is created immediately so the push that follows
// has somewhere to land, but it only becomes durable once the owning
// service confirms that its own database transaction committed. Aborted
// or forgotten tickets get their directories deleted.
package createrepo

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getturnip/turnip/internal/gitutil"
	"github.com/getturnip/turnip/internal/virtinfo"
)

// Coordinator owns the PENDING → {CONFIRMED | ABORTED} state machine for
// repository creation, including the timeout that forces ABORTED when
// neither confirm nor abort arrives.
type Coordinator struct {
	store   *Store
	root    string
	hookBin string
	window  time.Duration

	mu   sync.Mutex // serializes Create's check-then-insert per path
	stop chan struct{}
	done chan struct{}
}

// New returns a coordinator storing repositories under root and auto-
// aborting tickets that stay pending longer than window.
func New(store *Store, root, hookBin string, window time.Duration) *Coordinator {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Coordinator{
		store:   store,
		root:    root,
		hookBin: hookBin,
		window:  window,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Create makes the physical repository for pathname and returns a pending
// ticket. Recreating an already-pending pathname returns the existing
// ticket rather than erroring.
func (c *Coordinator) Create(pathname string, authParams virtinfo.AuthParams) (*Ticket, error) {
	physical, err := gitutil.ComposePath(c.root, pathname)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, err := c.store.GetPendingByPath(pathname); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	if err := gitutil.InitBare(physical); err != nil {
		return nil, fmt.Errorf("createrepo: init %s: %w", pathname, err)
	}
	if c.hookBin != "" {
		if err := gitutil.EnsureHooks(physical, c.hookBin); err != nil {
			os.RemoveAll(physical)
			return nil, fmt.Errorf("createrepo: hooks for %s: %w", pathname, err)
		}
	}

	t := &Ticket{
		ID:         uuid.NewString(),
		Pathname:   pathname,
		AuthParams: authParams,
		State:      StatePending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.Insert(t); err != nil {
		os.RemoveAll(physical)
		return nil, err
	}
	return t, nil
}

// Confirm marks the ticket's repository durable. Confirming an already
// terminal ticket is a no-op returning the existing outcome.
func (c *Coordinator) Confirm(id string) (State, error) {
	_, state, err := c.store.Resolve(id, StateConfirmed)
	return state, err
}

// Abort deletes the ticket's repository directory. Aborting an already
// terminal ticket is a no-op returning the existing outcome.
func (c *Coordinator) Abort(id string) (State, error) {
	t, err := c.store.Get(id)
	if err != nil {
		return "", err
	}
	transitioned, state, err := c.store.Resolve(id, StateAborted)
	if err != nil {
		return "", err
	}
	if transitioned {
		c.removeRepo(t.Pathname)
	}
	return state, nil
}

func (c *Coordinator) removeRepo(pathname string) {
	physical, err := gitutil.ComposePath(c.root, pathname)
	if err != nil {
		log.Printf("createrepo: refusing to remove %q: %v", pathname, err)
		return
	}
	if err := os.RemoveAll(physical); err != nil {
		log.Printf("createrepo: removing %s: %v", physical, err)
	}
}

// StartJanitor reaps expired pending tickets in the background until
// Stop is called. The first sweep runs immediately, catching tickets
// orphaned by an earlier unclean stop.
func (c *Coordinator) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.reapExpired()
		for {
			select {
			case <-ticker.C:
				c.reapExpired()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the janitor.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Coordinator) reapExpired() {
	expired, err := c.store.ListPendingBefore(time.Now().UTC().Add(-c.window))
	if err != nil {
		log.Printf("createrepo: listing expired tickets: %v", err)
		return
	}
	for _, t := range expired {
		if _, err := c.Abort(t.ID); err != nil {
			log.Printf("createrepo: auto-abort %s: %v", t.ID, err)
			continue
		}
		log.Printf("createrepo: ticket %s for %s timed out, repository removed", t.ID, t.Pathname)
	}
}
