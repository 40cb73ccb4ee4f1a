package foreign

import (
	"github.com/dop251/goja"
)

// newPromise creates a pending promise through the realm's Promise
// constructor. The settle functions must be called on the event loop;
// the realm runs the reaction jobs before the call returns.
func (w *Window) newPromise() (*goja.Object, func(interface{}), func(interface{})) {
	vm := w.vm
	var resolveFn, rejectFn goja.Callable
	executor := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		resolveFn, _ = goja.AssertFunction(call.Argument(0))
		rejectFn, _ = goja.AssertFunction(call.Argument(1))
		return goja.Undefined()
	})
	ctor, ok := goja.AssertConstructor(vm.Get("Promise"))
	if !ok {
		panic(vm.NewTypeError("Promise is not a constructor"))
	}
	p, err := ctor(nil, executor)
	if err != nil {
		panic(vm.NewGoError(err))
	}
	settle := func(fn goja.Callable) func(interface{}) {
		return func(v interface{}) {
			if _, err := fn(goja.Undefined(), vm.ToValue(v)); err != nil {
				w.reportError("foreign: settle promise", err)
			}
		}
	}
	return p, settle(resolveFn), settle(rejectFn)
}

// Then attaches Go reactions to v when it is a thenable. It reports false
// when v has no callable then, in which case neither reaction runs. Call
// it on the event loop that owns vm.
func Then(vm *goja.Runtime, v goja.Value, onFulfilled, onRejected func(goja.Value)) (bool, error) {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		return false, nil
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return false, nil
	}
	wrap := func(fn func(goja.Value)) goja.Value {
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if fn != nil {
				fn(call.Argument(0))
			}
			return goja.Undefined()
		})
	}
	if _, err := then(obj, wrap(onFulfilled), wrap(onRejected)); err != nil {
		return true, err
	}
	return true, nil
}
