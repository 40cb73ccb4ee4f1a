package foreign

import (
	"log/slog"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// consolePrinter sends console output to the window's logger.
type consolePrinter struct {
	logger *slog.Logger
}

func (p consolePrinter) Log(s string)   { p.logger.Info(s, "source", "console") }
func (p consolePrinter) Warn(s string)  { p.logger.Warn(s, "source", "console") }
func (p consolePrinter) Error(s string) { p.logger.Error(s, "source", "console") }

// consoleRegistry is the require registry the event loop enables: its
// console module prints through the window's logger.
func consoleRegistry(logger *slog.Logger) *require.Registry {
	registry := new(require.Registry)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{logger: logger}))
	return registry
}

// installConsole completes the console with the methods browsers have and
// the module does not, as no-ops, and hides require from the foreign app.
func (w *Window) installConsole(vm *goja.Runtime) error {
	obj := vm.Get("console")
	if obj == nil || goja.IsUndefined(obj) {
		if err := vm.Set("console", vm.NewObject()); err != nil {
			return err
		}
		obj = vm.Get("console")
	}
	c := obj.ToObject(vm)
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"trace", "group", "groupEnd", "time", "timeEnd", "table", "assert"} {
		if fn := c.Get(name); fn != nil && !goja.IsUndefined(fn) {
			continue
		}
		if err := c.Set(name, noop); err != nil {
			return err
		}
	}
	return vm.GlobalObject().Delete("require")
}
