package hook

import "github.com/dop251/goja"

// wrapMethod replaces class.prototype[d.Method] with a function that runs
// the original to completion, then notifies the callback, then returns
// the original result. It reports false when there is nothing to wrap.
func (r *Registry) wrapMethod(class *goja.Object, d Descriptor) bool {
	proto, ok := class.Get("prototype").(*goja.Object)
	if !ok || proto == nil {
		return false
	}
	original := proto.Get(d.Method)
	fn, ok := goja.AssertFunction(original)
	if !ok {
		r.logger.Debug("hook: method missing at definition time, skipped",
			"method", d.Method, "capabilities", d.Capabilities)
		return false
	}

	wrapped := func(call goja.FunctionCall) goja.Value {
		result, err := fn(call.This, call.Arguments...)
		if err != nil {
			r.rethrow(err)
		}
		instance, _ := call.This.(*goja.Object)
		r.notify(d, Call{
			Runtime:  r.vm,
			Instance: instance,
			Args:     call.Arguments,
			Original: original,
		})
		return result
	}
	if err := proto.Set(d.Method, wrapped); err != nil {
		r.logger.Debug("hook: prototype not writable, skipped", "method", d.Method, "error", err)
		return false
	}
	return true
}
