package foreign

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dop251/goja"
)

// post runs fn on the event loop without waiting. It reports false once
// the loop has been terminated.
func (w *Window) post(fn func()) bool {
	return w.loop.RunOnLoop(func(vm *goja.Runtime) {
		err := w.guard(vm, func(*goja.Runtime) error {
			fn()
			return nil
		})
		if err != nil {
			w.reportError("foreign: uncaught exception in job", err)
		}
	})
}

// guard turns panics escaping fn (including values thrown by goja) into
// errors so a host bug never kills the loop goroutine.
func (w *Window) guard(vm *goja.Runtime, fn func(vm *goja.Runtime) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			switch v := p.(type) {
			case *goja.Exception:
				err = v
			case *goja.InterruptedError:
				err = v
			case goja.Value:
				err = fmt.Errorf("foreign: uncaught throw: %s", v.String())
			default:
				w.logger.Error("foreign: panic on event loop", "panic", p, "stack", string(debug.Stack()))
				err = fmt.Errorf("foreign: panic: %v", p)
			}
		}
	}()
	return fn(vm)
}

// invoke calls a JS function from a loop job, logging what it throws.
func (w *Window) invoke(fn goja.Callable, this goja.Value, args ...goja.Value) goja.Value {
	v, err := fn(this, args...)
	if err != nil {
		w.reportError("foreign: uncaught exception in callback", err)
		return goja.Undefined()
	}
	return v
}

func (w *Window) reportError(msg string, err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		w.logger.Debug(msg, "error", "interrupted")
		return
	}
	w.logger.Warn(msg, "error", err)
}

// schedule registers fn with the event loop's timers under a numeric id,
// the handle browsers give scripts. The timers map is loop-only state.
func (w *Window) schedule(fn goja.Callable, delay time.Duration, repeat bool, args []goja.Value) int64 {
	if delay < 0 {
		delay = 0
	}
	w.timerSeq++
	id := w.timerSeq
	if repeat {
		iv := w.loop.SetInterval(func(*goja.Runtime) {
			w.invoke(fn, goja.Undefined(), args...)
		}, delay)
		w.timers[id] = func() { w.loop.ClearInterval(iv) }
		return id
	}
	t := w.loop.SetTimeout(func(*goja.Runtime) {
		delete(w.timers, id)
		w.invoke(fn, goja.Undefined(), args...)
	}, delay)
	w.timers[id] = func() { w.loop.ClearTimeout(t) }
	return id
}

func (w *Window) cancelTimer(id int64) {
	if stop, ok := w.timers[id]; ok {
		stop()
		delete(w.timers, id)
	}
}

// installTimers replaces the event loop's timer globals with ones that
// hand out numeric ids and log what callbacks throw.
func (w *Window) installTimers(vm *goja.Runtime) error {
	delayOf := func(v goja.Value) time.Duration {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return 0
		}
		return time.Duration(v.ToFloat() * float64(time.Millisecond))
	}
	callbackOf := func(name string, v goja.Value) goja.Callable {
		fn, ok := goja.AssertFunction(v)
		if !ok {
			panic(vm.NewTypeError("%s: callback is not a function", name))
		}
		return fn
	}
	rest := func(call goja.FunctionCall, from int) []goja.Value {
		if len(call.Arguments) <= from {
			return nil
		}
		return append([]goja.Value(nil), call.Arguments[from:]...)
	}
	clearTimer := func(call goja.FunctionCall) goja.Value {
		w.cancelTimer(call.Argument(0).ToInteger())
		return goja.Undefined()
	}

	globals := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout": func(call goja.FunctionCall) goja.Value {
			fn := callbackOf("setTimeout", call.Argument(0))
			return vm.ToValue(w.schedule(fn, delayOf(call.Argument(1)), false, rest(call, 2)))
		},
		"setInterval": func(call goja.FunctionCall) goja.Value {
			fn := callbackOf("setInterval", call.Argument(0))
			return vm.ToValue(w.schedule(fn, delayOf(call.Argument(1)), true, rest(call, 2)))
		},
		"requestAnimationFrame": func(call goja.FunctionCall) goja.Value {
			fn := callbackOf("requestAnimationFrame", call.Argument(0))
			stamp := vm.ToValue(float64(time.Since(w.created).Microseconds()) / 1000)
			return vm.ToValue(w.schedule(fn, frameInterval, false, []goja.Value{stamp}))
		},
		"clearTimeout":         clearTimer,
		"clearInterval":        clearTimer,
		"cancelAnimationFrame": clearTimer,
	}
	for name, fn := range globals {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("foreign: define %s: %w", name, err)
		}
	}
	return nil
}

const frameInterval = 16 * time.Millisecond
