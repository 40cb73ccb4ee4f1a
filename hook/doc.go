// Package hook instruments the classes of a foreign JavaScript realm.
//
// The foreign app's component framework finalizes every decorated class
// through one shared call, Reflect.decorate, at module-load time. A
// Registry replaces that function once per realm. Each class passing
// through it is checked against the registered descriptors: classes
// matching a constructor descriptor are replaced by a construction trap,
// and classes matching a method descriptor get that prototype entry
// wrapped. Nothing else in the foreign realm is touched.
//
// Descriptors must be registered before the foreign app defines the
// classes they target; a class already finalized is never instrumented
// retroactively.
//
// A Registry is bound to the goroutine that owns its goja.Runtime.
// NewRegistry and every callback run there; Register may be called from
// any goroutine.
package hook
