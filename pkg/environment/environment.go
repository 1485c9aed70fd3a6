// Package environment implements a scoped service registry used for
// dependency injection between a node's subsystems (session manager,
// discovery manager, interaction engine, pairednode coordinators,
// certificate authority). Environments form a tree: a child's Get falls
// back to its parent unless the child owns the type itself.
//
// Not present in the teacher, which wires its subsystems together directly
// in cmd/ rather than through a registry. Grounded on the teacher's
// config-struct-with-factory convention (discovery.ManagerConfig's
// ServerFactory field) generalized into a type-keyed container, per
// spec.md's dependency-injection note.
package environment

import (
	"errors"
	"io"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// ServiceType identifies a registered service by its static Go type.
type ServiceType = reflect.Type

// TypeOf returns the ServiceType for T.
func TypeOf[T any]() ServiceType {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// EventKind distinguishes the two events an Environment emits.
type EventKind int

const (
	EventAdded EventKind = iota
	EventDeleted
)

// Event is published on an Environment's subscription channel when a
// service is registered or removed.
type Event struct {
	Type ServiceType
	Kind EventKind
}

var (
	// ErrDependentClosed is returned by GetDependent once the handle it was
	// called through has been closed.
	ErrDependentClosed = errors.New("environment: dependent environment is closed")

	// ErrServiceNotFound is returned when no instance of T is reachable
	// from the environment a lookup started at.
	ErrServiceNotFound = errors.New("environment: service not found")
)

// refState tracks close-on-last-release accounting for one service type,
// shared across every dependent handle and the owning environment. It
// lives on the root environment regardless of which environment in the
// tree actually owns the instance (spec.md 4.12: "tracked at the root").
type refState struct {
	instance    any
	ownerClosed bool
	depCount    int
}

// Environment is one node in the registry tree.
type Environment struct {
	mu        sync.Mutex
	parent    *Environment
	root      *Environment
	services  map[ServiceType]any
	refs      map[ServiceType]*refState // meaningful on the root only
	listeners []chan<- Event
}

// New creates a root Environment with no parent.
func New() *Environment {
	e := &Environment{services: make(map[ServiceType]any)}
	e.root = e
	return e
}

// NewChild creates an Environment whose Get falls back to e when the child
// does not own a requested type.
func (e *Environment) NewChild() *Environment {
	return &Environment{
		parent:   e,
		root:     e.root,
		services: make(map[ServiceType]any),
	}
}

// Subscribe returns a channel of Added/Deleted events for this environment.
// The channel is buffered; a slow receiver drops events rather than
// blocking Set/Delete/Close.
func (e *Environment) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	e.mu.Lock()
	e.listeners = append(e.listeners, ch)
	e.mu.Unlock()
	return ch
}

func (e *Environment) emit(ev Event) {
	e.mu.Lock()
	listeners := append([]chan<- Event(nil), e.listeners...)
	e.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Set registers instance as the environment's owner-held instance of T,
// shadowing any instance of T visible from a parent environment.
func Set[T any](e *Environment, instance T) {
	t := TypeOf[T]()
	e.mu.Lock()
	e.services[t] = instance
	e.mu.Unlock()
	e.emit(Event{Type: t, Kind: EventAdded})
}

// Get returns the nearest instance of T, walking up through parent
// environments if e does not own one.
func Get[T any](e *Environment) (T, bool) {
	t := TypeOf[T]()
	for env := e; env != nil; env = env.parent {
		env.mu.Lock()
		v, ok := env.services[t]
		env.mu.Unlock()
		if ok {
			return v.(T), true
		}
	}
	var zero T
	return zero, false
}

// Owns reports whether e itself (not a parent) holds an instance of T.
func Owns[T any](e *Environment) bool {
	t := TypeOf[T]()
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.services[t]
	return ok
}

// Delete untracks e's instance of T without invoking Close on it. If
// instance does not match what is currently registered, the registration
// is left untouched and the deleted event is suppressed.
func Delete[T any](e *Environment, instance T) {
	t := TypeOf[T]()
	e.mu.Lock()
	existing, ok := e.services[t]
	matches := ok && existing == any(instance)
	if matches {
		delete(e.services, t)
	}
	e.mu.Unlock()

	if !matches {
		return
	}

	root := e.root
	root.mu.Lock()
	delete(root.refs, t)
	root.mu.Unlock()

	e.emit(Event{Type: t, Kind: EventDeleted})
}

// Close untracks e's instance of T and, unless a dependent handle still
// holds an outstanding reference to it, invokes Close on the instance (if
// it implements io.Closer) and removes it from the registry. While
// dependents remain, Close is a no-op for the instance: it stays
// registered and reachable via Get/GetDependent.
func Close[T any](e *Environment) error {
	t := TypeOf[T]()
	e.mu.Lock()
	instance, ok := e.services[t]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	root := e.root
	root.mu.Lock()
	rs, tracked := root.refs[t]
	if tracked {
		rs.ownerClosed = true
		if rs.depCount > 0 {
			root.mu.Unlock()
			return nil
		}
		delete(root.refs, t)
	}
	root.mu.Unlock()

	e.mu.Lock()
	delete(e.services, t)
	e.mu.Unlock()
	e.emit(Event{Type: t, Kind: EventDeleted})

	return closeInstance(instance)
}

// DependentHandle tracks shared use of services looked up through it, for
// graceful shutdown coordination: the underlying instance is only closed
// once every dependent has released it and its owning environment has
// also closed it. Obtained via Environment.AsDependent.
type DependentHandle struct {
	id   uuid.UUID
	env  *Environment
	mu   sync.Mutex
	done bool
}

// AsDependent returns a handle that looks up services starting from e, but
// tracks the references it obtains at e's root environment.
func (e *Environment) AsDependent() *DependentHandle {
	return &DependentHandle{id: uuid.New(), env: e}
}

// ID returns the handle's opaque identifier, useful for logging.
func (h *DependentHandle) ID() uuid.UUID {
	return h.id
}

// GetDependent resolves T from the handle's environment and records a
// tracked reference at the root environment, so that a subsequent owner
// Close of T will not finalize the instance until this reference (and
// every other outstanding one) is released via ReleaseDependent.
func GetDependent[T any](h *DependentHandle) (T, error) {
	var zero T
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		return zero, ErrDependentClosed
	}

	v, ok := Get[T](h.env)
	if !ok {
		return zero, ErrServiceNotFound
	}

	root := h.env.root
	t := TypeOf[T]()
	root.mu.Lock()
	if root.refs == nil {
		root.refs = make(map[ServiceType]*refState)
	}
	rs, ok := root.refs[t]
	if !ok {
		rs = &refState{instance: v}
		root.refs[t] = rs
	}
	rs.depCount++
	root.mu.Unlock()

	return v, nil
}

// ReleaseDependent releases this handle's reference to T. If it was the
// last outstanding reference and the owning environment has already
// called Close, the instance is closed now.
func ReleaseDependent[T any](h *DependentHandle) error {
	t := TypeOf[T]()
	root := h.env.root

	root.mu.Lock()
	rs, ok := root.refs[t]
	if !ok {
		root.mu.Unlock()
		return nil
	}
	if rs.depCount > 0 {
		rs.depCount--
	}
	shouldClose := rs.depCount == 0 && rs.ownerClosed
	if shouldClose {
		delete(root.refs, t)
	}
	root.mu.Unlock()

	if !shouldClose {
		return nil
	}
	return closeInstance(rs.instance)
}

// Close marks the handle itself closed. Further GetDependent calls through
// it fail with ErrDependentClosed; references already obtained are
// unaffected until explicitly released via ReleaseDependent.
func (h *DependentHandle) Close() {
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
}

func closeInstance(instance any) error {
	if c, ok := instance.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
