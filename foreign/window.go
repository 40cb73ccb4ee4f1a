package foreign

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"golang.org/x/net/html"

	"github.com/hazyhaar/navexport/hook"
	"github.com/hazyhaar/navexport/horosafe"
	"github.com/hazyhaar/navexport/idgen"
)

var (
	// ErrClosed is returned by every operation on a closed window.
	ErrClosed = errors.New("foreign: window closed")
	// ErrCrossOrigin is returned when the sandbox withholds same-origin
	// access from the host.
	ErrCrossOrigin = errors.New("foreign: sandbox denies same-origin access")
	// ErrBooted is returned by a second Boot.
	ErrBooted = errors.New("foreign: window already booted")
	// ErrNoEntry is returned by Boot when the window has no entry URL.
	ErrNoEntry = errors.New("foreign: no entry document")
)

//go:embed prelude.js
var prelude string

var windowIDs = idgen.Prefixed("win_", idgen.NanoID(12))

// Options configures a Window.
type Options struct {
	// ID names the window in logs. Generated when empty.
	ID string

	// EntryURL is the foreign app's entry document.
	EntryURL string

	// Sandbox is applied as given: the zero value grants nothing. Callers
	// wanting the automation capabilities pass DefaultSandbox.
	Sandbox Sandbox

	// Client performs the entry, script and fetch requests.
	Client *http.Client

	// MaxBody caps every response body. Default: horosafe.MaxResponseBody.
	MaxBody int64

	// UserAgent is reported by navigator.userAgent and sent on requests.
	UserAgent string

	// Downloads is the capacity of the download channel. Default: 8.
	Downloads int

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.ID == "" {
		o.ID = windowIDs()
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.MaxBody <= 0 {
		o.MaxBody = horosafe.MaxResponseBody
	}
	if o.UserAgent == "" {
		o.UserAgent = "navexport/1.0"
	}
	if o.Downloads <= 0 {
		o.Downloads = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Window is one foreign execution context: a goja realm, its document and
// the event loop that owns both.
type Window struct {
	opts    Options
	base    *url.URL
	logger  *slog.Logger
	created time.Time

	vm   *goja.Runtime
	loop *eventloop.EventLoop
	done chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
	closeOnce sync.Once

	booting atomic.Bool
	booted  atomic.Bool

	downloads chan Download

	// Loop-only state.
	doc       *Document
	registry  *hook.Registry
	timers    map[int64]func()
	timerSeq  int64
	listeners map[*goja.Object]map[string][]listener
	blobs     map[*goja.Object]*blob
	blobURLs  map[string]*blob
	jsonParse goja.Callable
}

// New creates a window and starts its event loop. The foreign app does not
// run until Boot.
func New(opts Options) (*Window, error) {
	opts.defaults()

	base, err := url.Parse("about:blank")
	if err != nil {
		return nil, err
	}
	if opts.EntryURL != "" {
		if base, err = url.Parse(opts.EntryURL); err != nil {
			return nil, fmt.Errorf("foreign: entry url: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With("window", opts.ID)
	w := &Window{
		opts:      opts,
		base:      base,
		logger:    logger,
		created:   time.Now(),
		loop:      eventloop.NewEventLoop(eventloop.WithRegistry(consoleRegistry(logger))),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		downloads: make(chan Download, opts.Downloads),
		timers:    make(map[int64]func()),
		listeners: make(map[*goja.Object]map[string][]listener),
		blobs:     make(map[*goja.Object]*blob),
		blobURLs:  make(map[string]*blob),
	}

	w.loop.Start()
	if err := w.exec(context.Background(), w.setup); err != nil {
		cancel()
		w.loop.Terminate()
		close(w.done)
		return nil, fmt.Errorf("foreign: setup realm: %w", err)
	}
	return w, nil
}

func (w *Window) setup(vm *goja.Runtime) error {
	w.vm = vm
	if _, err := vm.RunScript("navexport:prelude", prelude); err != nil {
		return err
	}
	jsonObj := vm.Get("JSON").ToObject(vm)
	w.jsonParse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	global := vm.GlobalObject()
	for _, name := range []string{"window", "self", "top", "parent", "frames"} {
		if err := global.Set(name, global); err != nil {
			return err
		}
	}
	for name, fn := range w.eventTargetMethods(global, func() []*goja.Object { return []*goja.Object{global} }) {
		if err := global.Set(name, fn); err != nil {
			return err
		}
	}

	installers := []func(*goja.Runtime) error{
		w.installTimers,
		w.installConsole,
		w.installLocation,
		w.installNavigator,
		w.installFetch,
		w.installBlob,
		w.installURL,
		w.installSerializer,
		installBase64,
	}
	for _, install := range installers {
		if err := install(vm); err != nil {
			return err
		}
	}

	perf := vm.NewObject()
	_ = perf.Set("now", func() float64 { return float64(time.Since(w.created).Microseconds()) / 1000 })
	_ = global.Set("performance", perf)
	_ = global.Set("innerWidth", 1280)
	_ = global.Set("innerHeight", 800)
	_ = global.Set("devicePixelRatio", 1)
	_ = global.Set("getComputedStyle", func(call goja.FunctionCall) goja.Value {
		if obj, ok := call.Argument(0).(*goja.Object); ok && obj != nil {
			if style := obj.Get("style"); style != nil {
				return style
			}
		}
		return vm.NewObject()
	})

	blank, err := html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	if err != nil {
		return err
	}
	return w.setDocument(vm, blank)
}

func (w *Window) setDocument(vm *goja.Runtime, root *html.Node) error {
	w.doc = newDocument(w, root)
	return vm.Set("document", w.doc.obj)
}

// ID returns the window identifier.
func (w *Window) ID() string { return w.opts.ID }

// Sandbox returns the capability set the window was created with.
func (w *Window) Sandbox() Sandbox { return w.opts.Sandbox }

// EntryURL returns the entry document URL.
func (w *Window) EntryURL() string { return w.opts.EntryURL }

// Booted reports whether Boot has been called. Hooks registered after this
// point see no class definitions.
func (w *Window) Booted() bool { return w.booting.Load() }

// Ready reports whether Boot completed, including the load event.
func (w *Window) Ready() bool { return w.booted.Load() }

// Done is closed when the event loop has exited.
func (w *Window) Done() <-chan struct{} { return w.done }

// Downloads delivers files the foreign app saved through anchor downloads.
// It is closed when the window closes.
func (w *Window) Downloads() <-chan Download { return w.downloads }

// Document returns the current document. Only use it on the event loop.
func (w *Window) Document() *Document { return w.doc }

// Logger returns the window's logger.
func (w *Window) Logger() *slog.Logger { return w.logger }

// Do runs fn on the event loop and waits for it. The runtime must not be
// retained past fn. Do fails with ErrCrossOrigin when the sandbox withholds
// same-origin access.
func (w *Window) Do(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	if !w.opts.Sandbox.AllowSameOrigin {
		return ErrCrossOrigin
	}
	return w.exec(ctx, fn)
}

// Hooks returns the window's hook registry, creating it (and the
// decorate override) on first use.
func (w *Window) Hooks(ctx context.Context) (*hook.Registry, error) {
	if !w.opts.Sandbox.AllowSameOrigin {
		return nil, ErrCrossOrigin
	}
	var reg *hook.Registry
	err := w.exec(ctx, func(vm *goja.Runtime) error {
		if w.registry == nil {
			r, err := hook.NewRegistry(vm, w.logger.With("component", "hook"))
			if err != nil {
				return err
			}
			w.registry = r
		}
		reg = w.registry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Unload dispatches beforeunload and reports whether the foreign app let
// the navigation proceed.
func (w *Window) Unload(ctx context.Context) (allowed bool, err error) {
	err = w.exec(ctx, func(vm *goja.Runtime) error {
		ev := w.newEvent("beforeunload", false, true)
		if err := ev.Set("returnValue", ""); err != nil {
			return err
		}
		w.dispatch([]*goja.Object{vm.GlobalObject()}, ev)

		blocked := truthy(ev.Get("defaultPrevented"))
		if rv := ev.Get("returnValue"); rv != nil && !goja.IsUndefined(rv) && !goja.IsNull(rv) && rv.String() != "" {
			blocked = true
		}
		allowed = !blocked
		return nil
	})
	return allowed, err
}

// Close stops the event loop, interrupts any running script and cancels
// in-flight requests. It must not be called from the event loop.
func (w *Window) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		w.vm.Interrupt(ErrClosed)
		// Terminate waits for the running job and drops every pending
		// job and timer; the downloads channel has no sender after it.
		w.loop.Terminate()
		close(w.done)
		close(w.downloads)
	})
	<-w.done
	w.inflight.Wait()
	return nil
}

func (w *Window) baseURL() string { return w.base.String() }

func (w *Window) origin() string {
	if !w.opts.Sandbox.AllowSameOrigin || w.base.Host == "" {
		return "null"
	}
	return w.base.Scheme + "://" + w.base.Host
}

func (w *Window) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return w.base.ResolveReference(u), nil
}

// exec runs fn on the loop and waits for it or for ctx.
func (w *Window) exec(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	errc := make(chan error, 1)
	if !w.loop.RunOnLoop(func(vm *goja.Runtime) { errc <- w.guard(vm, fn) }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrClosed
	}
}

// spawn runs fn on its own goroutine, tracked so Close can wait for it.
func (w *Window) spawn(fn func()) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		fn()
	}()
}

func (w *Window) installLocation(vm *goja.Runtime) error {
	loc := vm.NewObject()
	u := w.base
	fields := map[string]string{
		"href":     u.String(),
		"protocol": u.Scheme + ":",
		"host":     u.Host,
		"hostname": u.Hostname(),
		"port":     u.Port(),
		"pathname": u.EscapedPath(),
		"search":   "",
		"hash":     "",
		"origin":   w.origin(),
	}
	if u.RawQuery != "" {
		fields["search"] = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		fields["hash"] = "#" + u.Fragment
	}
	for k, v := range fields {
		if err := loc.Set(k, v); err != nil {
			return err
		}
	}
	ignored := func(call goja.FunctionCall) goja.Value {
		w.logger.Debug("foreign: navigation ignored", "target", call.Argument(0).String())
		return goja.Undefined()
	}
	_ = loc.Set("assign", ignored)
	_ = loc.Set("replace", ignored)
	_ = loc.Set("reload", ignored)
	_ = loc.Set("toString", func() string { return u.String() })
	return vm.Set("location", loc)
}

func (w *Window) installNavigator(vm *goja.Runtime) error {
	nav := vm.NewObject()
	_ = nav.Set("userAgent", w.opts.UserAgent)
	_ = nav.Set("language", "en-US")
	_ = nav.Set("languages", vm.NewArray("en-US", "en"))
	_ = nav.Set("onLine", true)
	_ = nav.Set("platform", "Linux x86_64")
	return vm.Set("navigator", nav)
}
