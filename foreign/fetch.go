package foreign

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"github.com/hazyhaar/navexport/horosafe"
)

type response struct {
	url        string
	status     int
	statusText string
	header     http.Header
	body       []byte
}

// get fetches u with the window's client and body cap.
func (w *Window) get(ctx context.Context, u string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return w.do(req)
}

func (w *Window) do(req *http.Request) (*response, error) {
	req.Header.Set("User-Agent", w.opts.UserAgent)
	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, w.opts.MaxBody)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return &response{
		url:        resp.Request.URL.String(),
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		header:     resp.Header,
		body:       body,
	}, nil
}

func requestTarget(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok && obj != nil {
		for _, key := range []string{"url", "href"} {
			if u := obj.Get(key); u != nil && !goja.IsUndefined(u) {
				return u.String()
			}
		}
	}
	return v.String()
}

func (w *Window) installFetch(vm *goja.Runtime) error {
	return vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		p, resolve, reject := w.newPromise()

		target, err := w.resolve(requestTarget(call.Argument(0)))
		if err != nil {
			reject(vm.NewTypeError("Failed to fetch: %v", err))
			return p
		}

		method := http.MethodGet
		var body io.Reader
		header := http.Header{}
		if init, ok := call.Argument(1).(*goja.Object); ok && init != nil {
			if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
				method = strings.ToUpper(m.String())
			}
			if b := init.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
				body = strings.NewReader(b.String())
			}
			if h, ok := init.Get("headers").(*goja.Object); ok && h != nil {
				for _, k := range h.Keys() {
					header.Set(k, h.Get(k).String())
				}
			}
		}

		req, err := http.NewRequestWithContext(w.ctx, method, target.String(), body)
		if err != nil {
			reject(vm.NewTypeError("Failed to fetch: %v", err))
			return p
		}
		req.Header = header

		w.spawn(func() {
			resp, err := w.do(req)
			w.post(func() {
				if err != nil {
					w.logger.Debug("foreign: fetch failed", "url", target.String(), "error", err)
					reject(vm.NewTypeError("Failed to fetch: %v", err))
					return
				}
				resolve(w.newResponse(resp))
			})
		})
		return p
	})
}

func (w *Window) newResponse(r *response) *goja.Object {
	vm := w.vm
	obj := vm.NewObject()
	_ = obj.Set("ok", r.status >= 200 && r.status < 300)
	_ = obj.Set("status", r.status)
	_ = obj.Set("statusText", r.statusText)
	_ = obj.Set("url", r.url)

	headers := vm.NewObject()
	_ = headers.Set("get", func(name string) goja.Value {
		if v := r.header.Get(name); v != "" {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = headers.Set("has", func(name string) bool { return r.header.Get(name) != "" })
	_ = obj.Set("headers", headers)

	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := w.newPromise()
		resolve(string(r.body))
		return p
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		p, resolve, reject := w.newPromise()
		v, err := w.jsonParse(goja.Undefined(), vm.ToValue(string(r.body)))
		if err != nil {
			if ex, ok := err.(*goja.Exception); ok {
				reject(ex.Value())
			} else {
				reject(vm.NewGoError(err))
			}
			return p
		}
		resolve(v)
		return p
	})
	_ = obj.Set("blob", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := w.newPromise()
		resolve(w.newBlobObject(&blob{data: r.body, typ: r.header.Get("Content-Type")}))
		return p
	})
	return obj
}
