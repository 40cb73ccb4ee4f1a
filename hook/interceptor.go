package hook

import (
	"strconv"

	"github.com/dop251/goja"
)

// decorate replaces Reflect.decorate. It keeps the default decorator
// semantics and, for class finalization (no property key), installs the
// matching traps and wrappers first.
func (r *Registry) decorate(call goja.FunctionCall) goja.Value {
	decorators := r.decoratorList(call.Argument(0))
	target := call.Argument(1)
	key := call.Argument(2)

	if goja.IsUndefined(key) {
		return r.decorateClass(decorators, target)
	}
	return r.decorateMember(decorators, target, key, call.Argument(3), len(call.Arguments))
}

func (r *Registry) decoratorList(v goja.Value) []goja.Value {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		panic(r.vm.NewTypeError("Reflect.decorate: decorators must be an array"))
	}
	n := int(obj.Get("length").ToInteger())
	list := make([]goja.Value, n)
	for i := range list {
		list[i] = obj.Get(strconv.Itoa(i))
	}
	return list
}

func (r *Registry) decorateClass(decorators []goja.Value, target goja.Value) goja.Value {
	result := r.instrument(target)

	for i := len(decorators) - 1; i >= 0; i-- {
		d, ok := goja.AssertFunction(decorators[i])
		if !ok {
			continue
		}
		v, err := d(goja.Undefined(), result)
		if err != nil {
			r.rethrow(err)
		}
		if !isNullish(v) {
			result = v
		}
	}
	return result
}

func (r *Registry) decorateMember(decorators []goja.Value, target, key, desc goja.Value, argc int) goja.Value {
	obj, ok := target.(*goja.Object)
	if !ok || obj == nil {
		panic(r.vm.NewTypeError("Reflect.decorate: target must be an object"))
	}
	if argc > 3 && goja.IsNull(desc) {
		desc = r.ownPropertyDescriptor(obj, key)
	}

	result := desc
	for i := len(decorators) - 1; i >= 0; i-- {
		d, ok := goja.AssertFunction(decorators[i])
		if !ok {
			continue
		}
		var v goja.Value
		var err error
		if argc > 3 {
			v, err = d(goja.Undefined(), target, key, result)
		} else {
			v, err = d(goja.Undefined(), target, key)
		}
		if err != nil {
			r.rethrow(err)
		}
		if !isNullish(v) {
			result = v
		}
	}

	if argc > 3 && !isNullish(result) && result.ToBoolean() {
		r.defineProperty(obj, key, result)
	}
	return result
}

// instrument runs every descriptor against a class being finalized and
// returns the reference the rest of the decoration must use.
func (r *Registry) instrument(target goja.Value) goja.Value {
	hooks := r.snapshot()
	if len(hooks) == 0 {
		return target
	}
	cls, ok := target.(*goja.Object)
	if !ok || cls == nil {
		return target
	}

	original := cls
	if orig, isTrap := r.traps[cls]; isTrap {
		original = orig
	}

	current := cls
	for i, h := range hooks {
		if !Matches(original, h.Capabilities) {
			continue
		}
		k := installKey{class: original, hook: i}
		if r.installed[k] {
			continue
		}
		r.installed[k] = true

		if h.Method == Constructor {
			current = r.trapConstructor(current, original, h)
		} else if !r.wrapMethod(original, h) {
			continue
		}
		r.countInstall()
		r.logger.Debug("hook: installed", "method", h.Method, "capabilities", h.Capabilities)
	}
	return current
}

func (r *Registry) ownPropertyDescriptor(obj *goja.Object, key goja.Value) goja.Value {
	object := r.vm.Get("Object").(*goja.Object)
	fn, _ := goja.AssertFunction(object.Get("getOwnPropertyDescriptor"))
	v, err := fn(object, obj, key)
	if err != nil {
		r.rethrow(err)
	}
	return v
}

func (r *Registry) defineProperty(obj *goja.Object, key, desc goja.Value) {
	object := r.vm.Get("Object").(*goja.Object)
	fn, _ := goja.AssertFunction(object.Get("defineProperty"))
	if _, err := fn(object, obj, key, desc); err != nil {
		r.rethrow(err)
	}
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
