package callback

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNilFunc       = errors.New("callback func is nil")
	ErrNameRequired  = errors.New("callback name is required")
	ErrDuplicateName = errors.New("callback name already registered")
	ErrUnknownHandle = errors.New("callback handle unknown")
)

// Handle identifies a registered callback across restarts.
//
// It is derived from the callback's registration name, so the same
// registration set yields the same handles in every process image.
// A persisted handle goes stale only when the callback it named is no
// longer registered.
type Handle uint64

// HandleFor returns the handle a name would map to.
func HandleFor(name string) Handle {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return Handle(h.Sum64())
}

// Func is the unit of work a task executes. A nil return means success.
type Func func(ctx context.Context) error

// Callback is a registered (name, func) pair. The zero value is invalid.
//
// Tasks reference callbacks through these tokens rather than raw funcs,
// so the persisted form (the handle) always resolves through the registry.
type Callback struct {
	name   string
	handle Handle
	fn     Func
}

func (c Callback) Name() string   { return c.name }
func (c Callback) Handle() Handle { return c.handle }
func (c Callback) Func() Func     { return c.fn }
func (c Callback) IsZero() bool   { return c.fn == nil && c.name == "" }

// Registry maps stable names to callback funcs.
//
// All callbacks must be registered before tasks referencing them are
// dispatched; a handle without a live registration fails resolution at
// dispatch time, not at lookup of the task record.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Callback
	byHandle map[Handle]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:   map[string]Callback{},
		byHandle: map[Handle]string{},
	}
}

// Register binds name to fn and returns the callback token.
//
// Names are upserted never: a second Register with the same name fails,
// so load-time registration conflicts surface immediately.
func (r *Registry) Register(name string, fn Func) (Callback, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Callback{}, ErrNameRequired
	}
	if fn == nil {
		return Callback{}, ErrNilFunc
	}

	h := HandleFor(name)
	cb := Callback{name: name, handle: h, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return Callback{}, ErrDuplicateName
	}
	// fnv64a collisions across distinct names are vanishingly unlikely with
	// registry cardinalities in the tens; detect them anyway.
	if prev, exists := r.byHandle[h]; exists && prev != name {
		return Callback{}, errors.New("callback handle collision: " + prev + " / " + name)
	}
	r.byName[name] = cb
	r.byHandle[h] = name
	return cb, nil
}

// MustRegister is Register for load-time wiring; it panics on error.
func (r *Registry) MustRegister(name string, fn Func) Callback {
	cb, err := r.Register(name, fn)
	if err != nil {
		panic("callback: register " + name + ": " + err.Error())
	}
	return cb
}

// Replace rebinds name to fn, registering it if absent.
// Used when config reloads rebuild handler closures.
func (r *Registry) Replace(name string, fn Func) (Callback, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Callback{}, ErrNameRequired
	}
	if fn == nil {
		return Callback{}, ErrNilFunc
	}
	h := HandleFor(name)
	cb := Callback{name: name, handle: h, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.byHandle[h]; exists && prev != name {
		return Callback{}, errors.New("callback handle collision: " + prev + " / " + name)
	}
	r.byName[name] = cb
	r.byHandle[h] = name
	return cb, nil
}

// Unregister removes a name. Tasks still holding the handle will fail
// resolution at dispatch time.
func (r *Registry) Unregister(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)
	delete(r.byHandle, cb.handle)
	return true
}

// Lookup resolves a persisted handle back to its callback.
func (r *Registry) Lookup(h Handle) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byHandle[h]
	if !ok {
		return Callback{}, false
	}
	cb, ok := r.byName[name]
	return cb, ok
}

// ByName resolves a registration name.
func (r *Registry) ByName(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.byName[strings.TrimSpace(name)]
	return cb, ok
}

// Names lists registered callback names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
