// Package navigator automates the ATT&CK Navigator app inside a foreign
// window: it loads a layer, waits for it to render, and then either pulls
// the rendered SVG out of the document or triggers the app's own SVG
// download.
//
// The app has no automation API. A Session registers hooks on the
// window's registry before the app boots, keyed on the class shapes the
// app is known to have:
//
//	{newBlankTab, loadLayerFromURL}  constructor    load the layer
//	{exportRender}                   ngAfterViewInit capture the renderer
//	{promptNavAway}                  promptNavAway  suppress the leave dialog
//	{downloadSVG}                    buildSVG       capture or download
//
// buildSVG fires repeatedly while the app debounces redraws. A firing
// before the layer is loaded, before the SVG node exists, or whose
// download throws is ignored; the next firing is tried.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/hazyhaar/navexport/foreign"
	"github.com/hazyhaar/navexport/hook"
)

var (
	ErrAlreadyBooted = errors.New("navigator: window booted before hooks were registered")
	ErrSessionUsed   = errors.New("navigator: session already used")
	ErrLayerLoad     = errors.New("navigator: layer load failed")
	ErrExportRender  = errors.New("navigator: export render failed")
	ErrViewMode      = errors.New("navigator: operation requires export mode")
	ErrWindowClosed  = errors.New("navigator: window closed before the operation settled")
)

// Class shapes and method names of the Navigator app.
var (
	tabsShape     = []string{"newBlankTab", "loadLayerFromURL"}
	rendererShape = []string{"exportRender"}
	navAwayShape  = []string{"promptNavAway"}
	exporterShape = []string{"downloadSVG"}
)

const (
	svgNamespace   = "http://www.w3.org/2000/svg"
	leaveSiteFlag  = "leave_site_dialog"
	rendererInit   = "ngAfterViewInit"
	renderTrigger  = "buildSVG"
	svgElemPrefix  = "svg"
	navAwayMethod  = "promptNavAway"
	exportRenderFn = "exportRender"
)

// Options configures a Session.
type Options struct {
	Window   *foreign.Window
	LayerURI string
	Mode     Mode
	Logger   *slog.Logger
}

// Session is one automation run against one window. It is single-use:
// exactly one of Load, GetSVG or DownloadSVG may be called.
type Session struct {
	w      *foreign.Window
	reg    *hook.Registry
	uri    string
	mode   Mode
	logger *slog.Logger

	used  atomic.Bool
	state atomic.Int32

	loaded *future[struct{}]
	done   *future[*foreign.Element]

	// Event-loop state.
	join     exportJoin
	tabsSeen bool
}

// New registers the session's hooks on the window. The window must not
// have been booted yet.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Window == nil {
		return nil, errors.New("navigator: nil window")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Window.Booted() {
		return nil, ErrAlreadyBooted
	}
	reg, err := opts.Window.Hooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("navigator: hooks: %w", err)
	}

	s := &Session{
		w:      opts.Window,
		reg:    reg,
		uri:    opts.LayerURI,
		mode:   opts.Mode,
		logger: opts.Logger.With("window", opts.Window.ID(), "layer", opts.LayerURI, "mode", opts.Mode.String()),
		loaded: newFuture[struct{}](),
		done:   newFuture[*foreign.Element](),
		join:   exportJoin{enabled: opts.Mode == ModeExport},
	}

	hooks := []struct {
		shape  []string
		method string
		cb     hook.Callback
	}{
		{tabsShape, hook.Constructor, s.onTabs},
		{rendererShape, rendererInit, s.onRendererInit},
		{navAwayShape, navAwayMethod, s.onPromptNavAway},
	}
	for _, h := range hooks {
		if err := reg.Register(h.shape, h.method, h.cb); err != nil {
			return nil, fmt.Errorf("navigator: register %s: %w", h.method, err)
		}
	}
	return s, nil
}

// State returns the current protocol state.
func (s *Session) State() State { return State(s.state.Load()) }

// Mode returns the session mode.
func (s *Session) Mode() Mode { return s.mode }

// Window returns the window the session drives.
func (s *Session) Window() *foreign.Window { return s.w }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("navigator: state", "from", prev.String(), "to", st.String())
	}
}

// Load boots the app and returns once the layer has loaded.
func (s *Session) Load(ctx context.Context) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrSessionUsed
	}
	if err := s.boot(ctx); err != nil {
		return err
	}
	_, err := s.loaded.wait(ctx, s.w.Done())
	s.finish(err)
	return err
}

// GetSVG loads the layer, triggers the export render and returns the live
// SVG element of the rendered layer with its namespace attribute set. The
// element belongs to the window's event loop: read it inside Window.Do.
func (s *Session) GetSVG(ctx context.Context) (*foreign.Element, error) {
	if err := s.start(s.captureSVG); err != nil {
		return nil, err
	}
	if err := s.boot(ctx); err != nil {
		return nil, err
	}
	el, err := s.done.wait(ctx, s.w.Done())
	s.finish(err)
	return el, err
}

// DownloadSVG loads the layer, triggers the export render and invokes the
// app's own SVG download once. The file arrives on Window.Downloads.
func (s *Session) DownloadSVG(ctx context.Context) error {
	if err := s.start(s.downloadSVG); err != nil {
		return err
	}
	if err := s.boot(ctx); err != nil {
		return err
	}
	_, err := s.done.wait(ctx, s.w.Done())
	s.finish(err)
	return err
}

func (s *Session) start(onRender hook.Callback) error {
	if s.mode != ModeExport {
		return ErrViewMode
	}
	if !s.used.CompareAndSwap(false, true) {
		return ErrSessionUsed
	}
	if s.w.Booted() {
		return ErrAlreadyBooted
	}
	if err := s.reg.Register(exporterShape, renderTrigger, onRender); err != nil {
		return fmt.Errorf("navigator: register %s: %w", renderTrigger, err)
	}
	return nil
}

func (s *Session) boot(ctx context.Context) error {
	s.setState(StateBootstrapping)
	if err := s.w.Boot(ctx); err != nil {
		s.finish(err)
		return fmt.Errorf("navigator: boot: %w", err)
	}
	return nil
}

func (s *Session) finish(err error) {
	s.setState(StateSettled)
	if err != nil {
		s.logger.Warn("navigator: session failed", "error", err)
		return
	}
	s.logger.Info("navigator: session settled")
}

// fail settles every pending operation with err.
func (s *Session) fail(err error) {
	s.loaded.reject(err)
	s.done.reject(err)
}

// onTabs runs on every construction of the tabs component; only the first
// one loads the layer.
func (s *Session) onTabs(c hook.Call) {
	if s.tabsSeen {
		return
	}
	s.tabsSeen = true
	s.setState(StateLayerLoading)

	load, ok := goja.AssertFunction(c.Instance.Get("loadLayerFromURL"))
	if !ok {
		s.fail(fmt.Errorf("%w: loadLayerFromURL is not callable", ErrLayerLoad))
		return
	}
	ret, err := load(c.Instance, c.Runtime.ToValue(s.uri), c.Runtime.ToValue(true))
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrLayerLoad, err))
		return
	}
	thenable, err := foreign.Then(c.Runtime, ret,
		func(goja.Value) { s.onLoaded(c.Runtime) },
		func(reason goja.Value) { s.fail(fmt.Errorf("%w: %s", ErrLayerLoad, reason.String())) },
	)
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrLayerLoad, err))
		return
	}
	if !thenable {
		s.onLoaded(c.Runtime)
	}
}

func (s *Session) onLoaded(vm *goja.Runtime) {
	s.setState(StateReady)
	s.loaded.resolve(struct{}{})
	if s.join.markLoaded() {
		s.triggerExport(vm)
	}
}

func (s *Session) onRendererInit(c hook.Call) {
	if s.join.capture(c.Instance) {
		s.triggerExport(c.Runtime)
	}
}

func (s *Session) triggerExport(vm *goja.Runtime) {
	renderer := s.join.renderer
	fn, ok := goja.AssertFunction(renderer.Get(exportRenderFn))
	if !ok {
		s.fail(fmt.Errorf("%w: %s is not callable", ErrExportRender, exportRenderFn))
		return
	}
	s.logger.Debug("navigator: triggering export render")
	if _, err := fn(renderer); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrExportRender, err))
	}
}

// onPromptNavAway turns the leave-site dialog off and clears the event's
// blocking return value. Failures are ignored: the app may not have a
// config service at all.
func (s *Session) onPromptNavAway(c hook.Call) {
	defer s.swallow(navAwayMethod)

	if cfg, ok := c.Instance.Get("configService").(*goja.Object); ok && cfg != nil {
		if set, ok := goja.AssertFunction(cfg.Get("setFeature")); ok {
			if _, err := set(cfg, c.Runtime.ToValue(leaveSiteFlag), c.Runtime.ToValue(false)); err != nil {
				s.logger.Debug("navigator: setFeature failed", "error", err)
			}
		}
	}
	if len(c.Args) > 0 {
		if ev, ok := c.Args[0].(*goja.Object); ok && ev != nil {
			if err := ev.Set("returnValue", ""); err != nil {
				s.logger.Debug("navigator: clear returnValue failed", "error", err)
			}
		}
	}
}

// renderReady reports whether a render-trigger firing may be acted on.
func (s *Session) renderReady() bool {
	return !s.done.settled() && s.join.loaded
}

func (s *Session) captureSVG(c hook.Call) {
	defer s.swallow(renderTrigger)
	if !s.renderReady() {
		return
	}
	s.setState(StateSVGCapturing)

	uid, ok := viewModelUID(c.Instance)
	if !ok {
		return
	}
	el := s.w.Document().GetElementByID(svgElemPrefix + uid)
	if el == nil {
		s.logger.Debug("navigator: svg not rendered yet", "uid", uid)
		return
	}
	el.SetAttr("xmlns", svgNamespace)
	s.done.resolve(el)
}

func (s *Session) downloadSVG(c hook.Call) {
	defer s.swallow(renderTrigger)
	if !s.renderReady() {
		return
	}
	s.setState(StateDownloading)

	fn, ok := goja.AssertFunction(c.Instance.Get("downloadSVG"))
	if !ok {
		return
	}
	if _, err := fn(c.Instance); err != nil {
		s.logger.Debug("navigator: download not ready", "error", err)
		return
	}
	s.done.resolve(nil)
}

// swallow contains a panic from a render-trigger callback; the next
// firing is expected to succeed.
func (s *Session) swallow(method string) {
	if p := recover(); p != nil {
		s.logger.Debug("navigator: hook firing ignored", "method", method, "panic", p)
	}
}

func viewModelUID(instance *goja.Object) (string, bool) {
	vm, ok := instance.Get("viewModel").(*goja.Object)
	if !ok || vm == nil {
		return "", false
	}
	uid := vm.Get("uid")
	if uid == nil || goja.IsUndefined(uid) || goja.IsNull(uid) {
		return "", false
	}
	return uid.String(), true
}
