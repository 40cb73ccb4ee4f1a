package foreign

import (
	"github.com/dop251/goja"
)

type listener struct {
	fn   goja.Value
	once bool
}

// listenersOf returns the registered listeners of target for typ.
func (w *Window) listenersOf(target *goja.Object, typ string) []listener {
	byType := w.listeners[target]
	if byType == nil {
		return nil
	}
	return byType[typ]
}

func (w *Window) addListener(target *goja.Object, typ string, fn goja.Value, once bool) {
	if _, ok := goja.AssertFunction(fn); !ok {
		return
	}
	byType := w.listeners[target]
	if byType == nil {
		byType = make(map[string][]listener)
		w.listeners[target] = byType
	}
	for _, l := range byType[typ] {
		if l.fn.SameAs(fn) {
			return
		}
	}
	byType[typ] = append(byType[typ], listener{fn: fn, once: once})
}

func (w *Window) removeListener(target *goja.Object, typ string, fn goja.Value) {
	byType := w.listeners[target]
	if byType == nil {
		return
	}
	list := byType[typ]
	for i, l := range list {
		if l.fn.SameAs(fn) {
			byType[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// eventTargetMethods builds addEventListener, removeEventListener and
// dispatchEvent bound to target. path computes the propagation path for
// events dispatched from script.
func (w *Window) eventTargetMethods(target *goja.Object, path func() []*goja.Object) map[string]goja.Value {
	vm := w.vm
	return map[string]goja.Value{
		"addEventListener": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			once := false
			if opts, ok := call.Argument(2).(*goja.Object); ok && opts != nil {
				once = truthy(opts.Get("once"))
			}
			w.addListener(target, call.Argument(0).String(), call.Argument(1), once)
			return goja.Undefined()
		}),
		"removeEventListener": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			w.removeListener(target, call.Argument(0).String(), call.Argument(1))
			return goja.Undefined()
		}),
		"dispatchEvent": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			ev, ok := call.Argument(0).(*goja.Object)
			if !ok || ev == nil {
				panic(vm.NewTypeError("dispatchEvent: argument is not an Event"))
			}
			w.dispatch(path(), ev)
			return vm.ToValue(!truthy(ev.Get("defaultPrevented")))
		}),
	}
}

// newEvent constructs an Event through the realm's own constructor so
// scripts see an ordinary Event instance.
func (w *Window) newEvent(typ string, bubbles, cancelable bool) *goja.Object {
	ctor, ok := goja.AssertConstructor(w.vm.Get("Event"))
	if !ok {
		panic(w.vm.NewTypeError("Event is not a constructor"))
	}
	init := w.vm.NewObject()
	_ = init.Set("bubbles", bubbles)
	_ = init.Set("cancelable", cancelable)
	ev, err := ctor(nil, w.vm.ToValue(typ), init)
	if err != nil {
		panic(err)
	}
	return ev
}

// dispatch delivers ev along path (target first, then ancestors when the
// event bubbles). Listener exceptions are reported and do not stop
// delivery to the remaining listeners.
func (w *Window) dispatch(path []*goja.Object, ev *goja.Object) {
	if len(path) == 0 {
		return
	}
	typ := ev.Get("type").String()
	_ = ev.Set("target", path[0])
	bubbles := truthy(ev.Get("bubbles"))

	for i, current := range path {
		if i > 0 && !bubbles {
			break
		}
		_ = ev.Set("currentTarget", current)

		for _, l := range append([]listener(nil), w.listenersOf(current, typ)...) {
			if l.once {
				w.removeListener(current, typ, l.fn)
			}
			fn, _ := goja.AssertFunction(l.fn)
			w.invoke(fn, current, ev)
			if truthy(ev.Get("immediateStopped")) {
				break
			}
		}

		if handler, ok := goja.AssertFunction(current.Get("on" + typ)); ok {
			ret := w.invoke(handler, current, ev)
			w.applyHandlerResult(ev, typ, ret)
		}

		if truthy(ev.Get("cancelBubble")) {
			break
		}
	}
	_ = ev.Set("currentTarget", goja.Null())
}

// applyHandlerResult implements the return-value conventions of on*
// handler properties.
func (w *Window) applyHandlerResult(ev *goja.Object, typ string, ret goja.Value) {
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return
	}
	if typ == "beforeunload" {
		if s := ret.String(); s != "" {
			_ = ev.Set("returnValue", s)
		}
		return
	}
	if b, ok := ret.Export().(bool); ok && !b {
		_ = ev.Set("defaultPrevented", true)
	}
}

func truthy(v goja.Value) bool {
	return v != nil && v.ToBoolean()
}
