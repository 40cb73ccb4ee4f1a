package hook

import "github.com/dop251/goja"

// trapConstructor wraps current in a construct-intercepting proxy. Every
// `new` builds the real instance through the wrapped class, notifies the
// callback, and hands back that same instance. instanceof against the
// proxy is answered by the wrapped class.
func (r *Registry) trapConstructor(current, original *goja.Object, d Descriptor) *goja.Object {
	hasInstance := r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		check, ok := goja.AssertFunction(current.GetSymbol(goja.SymHasInstance))
		if !ok {
			panic(r.vm.NewTypeError("hook: trapped class has no Symbol.hasInstance"))
		}
		v, err := check(current, call.Argument(0))
		if err != nil {
			r.rethrow(err)
		}
		return r.vm.ToValue(v.ToBoolean())
	})

	proxy := r.vm.NewProxy(current, &goja.ProxyTrapConfig{
		Construct: func(target *goja.Object, args []goja.Value, newTarget *goja.Object) *goja.Object {
			ctor, ok := goja.AssertConstructor(target)
			if !ok {
				panic(r.vm.NewTypeError("hook: trapped class is not constructible"))
			}
			if newTarget == nil {
				newTarget = target
			}
			instance, err := ctor(newTarget, args...)
			if err != nil {
				r.rethrow(err)
			}
			r.notify(d, Call{
				Runtime:  r.vm,
				Instance: instance,
				Args:     append([]goja.Value(nil), args...),
				Original: original,
			})
			return instance
		},
		GetSym: func(target *goja.Object, sym *goja.Symbol, receiver goja.Value) goja.Value {
			if sym == goja.SymHasInstance {
				return hasInstance
			}
			return target.GetSymbol(sym)
		},
	})

	trap := r.vm.ToValue(proxy).(*goja.Object)
	r.traps[trap] = original
	return trap
}
