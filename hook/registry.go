package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
)

// Constructor is the target method name that selects a construction trap
// instead of a method wrapper.
const Constructor = "constructor"

var (
	ErrNoCapabilities      = errors.New("hook: capability signature is empty")
	ErrDuplicateCapability = errors.New("hook: duplicate name in capability signature")
	ErrNoMethod            = errors.New("hook: target method is empty")
	ErrNoCallback          = errors.New("hook: callback is nil")
)

// Call is what a callback observes: the instance, the arguments of the
// construction or method call, and the original class or method.
type Call struct {
	Runtime  *goja.Runtime
	Instance *goja.Object
	Args     []goja.Value
	Original goja.Value
}

// Callback is invoked synchronously on the realm's goroutine.
type Callback func(Call)

// Descriptor is one registered hook. It is immutable once registered.
type Descriptor struct {
	Capabilities []string
	Method       string
	Callback     Callback
}

type installKey struct {
	class *goja.Object
	hook  int
}

// Registry owns the ordered descriptors and the Reflect.decorate override
// for one realm.
type Registry struct {
	vm     *goja.Runtime
	logger *slog.Logger

	mu       sync.Mutex
	hooks    []Descriptor
	installs int

	// Touched only from decorate, on the realm goroutine.
	traps     map[*goja.Object]*goja.Object // trap -> original class
	installed map[installKey]bool
}

// NewRegistry installs the decorate override into vm. It must be called on
// the goroutine owning vm, before the foreign app's scripts run.
func NewRegistry(vm *goja.Runtime, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		vm:        vm,
		logger:    logger,
		traps:     make(map[*goja.Object]*goja.Object),
		installed: make(map[installKey]bool),
	}

	reflectObj, ok := vm.Get("Reflect").(*goja.Object)
	if !ok || reflectObj == nil {
		reflectObj = vm.NewObject()
		if err := vm.Set("Reflect", reflectObj); err != nil {
			return nil, fmt.Errorf("hook: define Reflect: %w", err)
		}
	}
	if err := reflectObj.Set("decorate", r.decorate); err != nil {
		return nil, fmt.Errorf("hook: override Reflect.decorate: %w", err)
	}
	return r, nil
}

// Register appends a descriptor. It has no effect on classes that were
// already finalized.
func (r *Registry) Register(capabilities []string, method string, cb Callback) error {
	if len(capabilities) == 0 {
		return ErrNoCapabilities
	}
	seen := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		if seen[c] {
			return fmt.Errorf("%w: %q", ErrDuplicateCapability, c)
		}
		seen[c] = true
	}
	if method == "" {
		return ErrNoMethod
	}
	if cb == nil {
		return ErrNoCallback
	}

	d := Descriptor{
		Capabilities: append([]string(nil), capabilities...),
		Method:       method,
		Callback:     cb,
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, d)
	r.mu.Unlock()
	return nil
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// Installed returns how many traps and wrappers have been installed so far.
func (r *Registry) Installed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installs
}

func (r *Registry) snapshot() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Descriptor(nil), r.hooks...)
}

func (r *Registry) countInstall() {
	r.mu.Lock()
	r.installs++
	r.mu.Unlock()
}

// notify runs a callback. A panicking callback is logged and contained so
// the foreign app keeps running.
func (r *Registry) notify(d Descriptor, c Call) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("hook: callback panicked",
				"method", d.Method, "capabilities", d.Capabilities, "panic", p)
		}
	}()
	d.Callback(c)
}

// rethrow turns an error returned by a JS call back into a JS throw.
func (r *Registry) rethrow(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		panic(interrupted)
	}
	panic(r.vm.NewGoError(err))
}
