package navigator

import "github.com/dop251/goja"

// exportJoin decides when to trigger the export render. Load completion
// and renderer capture arrive in either order; whichever side completes
// the pair fires, and only once. It is only touched from hook callbacks,
// which all run on the window's event loop.
type exportJoin struct {
	enabled  bool
	loaded   bool
	fired    bool
	renderer *goja.Object
}

// markLoaded records load completion and reports whether the caller must
// fire the export now.
func (j *exportJoin) markLoaded() bool {
	j.loaded = true
	return j.claim()
}

// capture records the renderer instance and reports whether the caller
// must fire the export now. The latest instance is kept until firing.
func (j *exportJoin) capture(renderer *goja.Object) bool {
	if !j.fired {
		j.renderer = renderer
	}
	return j.claim()
}

func (j *exportJoin) claim() bool {
	if !j.enabled || j.fired || !j.loaded || j.renderer == nil {
		return false
	}
	j.fired = true
	return true
}
