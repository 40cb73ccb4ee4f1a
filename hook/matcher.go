package hook

import "github.com/dop251/goja"

// Matches reports whether candidate is a constructible class whose
// prototype exposes a callable member for every name in required.
// Non-classes and missing members are a non-match, never an error.
func Matches(candidate goja.Value, required []string) (ok bool) {
	defer func() {
		// Throwing getters or proxy traps on the candidate count as a non-match.
		if recover() != nil {
			ok = false
		}
	}()

	cls, isObj := candidate.(*goja.Object)
	if !isObj || cls == nil {
		return false
	}
	if _, isCtor := goja.AssertConstructor(cls); !isCtor {
		return false
	}
	proto, isObj := cls.Get("prototype").(*goja.Object)
	if !isObj || proto == nil {
		return false
	}
	for _, name := range required {
		if _, callable := goja.AssertFunction(proto.Get(name)); !callable {
			return false
		}
	}
	return true
}
