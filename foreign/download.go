package foreign

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/hazyhaar/navexport/idgen"
)

// Download is a file the foreign app saved through an anchor click.
type Download struct {
	Filename string
	MIMEType string
	Data     []byte
}

type blob struct {
	data []byte
	typ  string
}

func (w *Window) newBlobObject(b *blob) *goja.Object {
	ctor, ok := goja.AssertConstructor(w.vm.Get("Blob"))
	if !ok {
		panic(w.vm.NewTypeError("Blob is not a constructor"))
	}
	obj, err := ctor(nil)
	if err != nil {
		panic(w.vm.NewGoError(err))
	}
	w.blobs[obj] = b
	w.decorateBlob(obj, b)
	return obj
}

func (w *Window) decorateBlob(obj *goja.Object, b *blob) {
	_ = obj.Set("size", len(b.data))
	_ = obj.Set("type", b.typ)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := w.newPromise()
		resolve(string(b.data))
		return p
	})
}

func (w *Window) blobBytes(part goja.Value) []byte {
	if obj, ok := part.(*goja.Object); ok && obj != nil {
		if b, ok := w.blobs[obj]; ok {
			return b.data
		}
		switch v := obj.Export().(type) {
		case goja.ArrayBuffer:
			return v.Bytes()
		case []byte:
			return v
		}
	}
	return []byte(part.String())
}

func (w *Window) installBlob(vm *goja.Runtime) error {
	return vm.Set("Blob", func(call goja.ConstructorCall) *goja.Object {
		b := &blob{}
		if parts, ok := call.Argument(0).(*goja.Object); ok && parts != nil {
			n := int(parts.Get("length").ToInteger())
			for i := 0; i < n; i++ {
				b.data = append(b.data, w.blobBytes(parts.Get(fmt.Sprint(i)))...)
			}
		}
		if opts, ok := call.Argument(1).(*goja.Object); ok && opts != nil {
			if t := opts.Get("type"); t != nil && !goja.IsUndefined(t) {
				b.typ = strings.ToLower(t.String())
			}
		}
		w.blobs[call.This] = b
		w.decorateBlob(call.This, b)
		return call.This
	})
}

func (w *Window) installURL(vm *goja.Runtime) error {
	ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		ref := call.Argument(0).String()
		base := w.base
		if b := call.Argument(1); !goja.IsUndefined(b) && !goja.IsNull(b) {
			parsed, err := url.Parse(b.String())
			if err != nil {
				panic(vm.NewTypeError("Failed to construct 'URL': invalid base %q", b.String()))
			}
			base = parsed
		}
		u, err := url.Parse(ref)
		if err != nil {
			panic(vm.NewTypeError("Failed to construct 'URL': invalid URL %q", ref))
		}
		u = base.ResolveReference(u)
		if !u.IsAbs() {
			panic(vm.NewTypeError("Failed to construct 'URL': invalid URL %q", ref))
		}
		fields := map[string]string{
			"href":     u.String(),
			"protocol": u.Scheme + ":",
			"host":     u.Host,
			"hostname": u.Hostname(),
			"port":     u.Port(),
			"pathname": u.EscapedPath(),
			"origin":   u.Scheme + "://" + u.Host,
			"search":   "",
			"hash":     "",
		}
		if u.RawQuery != "" {
			fields["search"] = "?" + u.RawQuery
		}
		if u.Fragment != "" {
			fields["hash"] = "#" + u.Fragment
		}
		for k, v := range fields {
			_ = call.This.Set(k, v)
		}
		href := u.String()
		_ = call.This.Set("toString", func() string { return href })
		return call.This
	}).(*goja.Object)

	_ = ctor.Set("createObjectURL", func(call goja.FunctionCall) goja.Value {
		obj, _ := call.Argument(0).(*goja.Object)
		b, ok := w.blobs[obj]
		if obj == nil || !ok {
			panic(vm.NewTypeError("URL.createObjectURL: argument is not a Blob"))
		}
		u := "blob:" + w.origin() + "/" + idgen.New()
		w.blobURLs[u] = b
		return vm.ToValue(u)
	})
	_ = ctor.Set("revokeObjectURL", func(call goja.FunctionCall) goja.Value {
		delete(w.blobURLs, call.Argument(0).String())
		return goja.Undefined()
	})
	return vm.Set("URL", ctor)
}

func (w *Window) installSerializer(vm *goja.Runtime) error {
	return vm.Set("XMLSerializer", func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.Set("serializeToString", func(c goja.FunctionCall) goja.Value {
			arg := c.Argument(0)
			if obj, ok := arg.(*goja.Object); ok && obj == w.doc.obj {
				var b strings.Builder
				if err := html.Render(&b, w.doc.root); err != nil {
					panic(vm.NewGoError(err))
				}
				return vm.ToValue(b.String())
			}
			e := w.doc.mustElement(arg, "serializeToString")
			s, err := e.OuterHTML()
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(s)
		})
		return call.This
	})
}

func installBase64(vm *goja.Runtime) error {
	if err := vm.Set("btoa", func(s string) string {
		buf := make([]byte, 0, len(s))
		for _, r := range s {
			if r > 0xff {
				panic(vm.NewTypeError("btoa: string contains characters outside of the Latin1 range"))
			}
			buf = append(buf, byte(r))
		}
		return base64.StdEncoding.EncodeToString(buf)
	}); err != nil {
		return err
	}
	return vm.Set("atob", func(s string) string {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			panic(vm.NewTypeError("atob: invalid base64"))
		}
		runes := make([]rune, len(data))
		for i, c := range data {
			runes[i] = rune(c)
		}
		return string(runes)
	})
}

// followAnchor runs the default action of a clicked anchor. Only
// downloads are honoured; navigation is logged and ignored.
func (w *Window) followAnchor(e *Element) {
	href, _ := e.Attr("href")
	name, isDownload := e.Attr("download")
	if !isDownload {
		w.logger.Debug("foreign: anchor navigation ignored", "href", href)
		return
	}
	if !w.opts.Sandbox.AllowDownloads {
		w.logger.Warn("foreign: download blocked by sandbox", "href", href)
		return
	}

	switch {
	case strings.HasPrefix(href, "blob:"):
		b, ok := w.blobURLs[href]
		if !ok {
			w.logger.Warn("foreign: download of revoked or unknown blob", "href", href)
			return
		}
		w.deliver(Download{Filename: downloadName(name, href), MIMEType: b.typ, Data: append([]byte(nil), b.data...)})

	case strings.HasPrefix(href, "data:"):
		mime, data, err := decodeDataURL(href)
		if err != nil {
			w.logger.Warn("foreign: bad data url download", "error", err)
			return
		}
		w.deliver(Download{Filename: downloadName(name, "download"), MIMEType: mime, Data: data})

	default:
		target, err := w.resolve(href)
		if err != nil {
			w.logger.Warn("foreign: bad download href", "href", href, "error", err)
			return
		}
		w.spawn(func() {
			resp, err := w.get(w.ctx, target.String())
			if err != nil {
				w.logger.Warn("foreign: download failed", "url", target.String(), "error", err)
				return
			}
			w.post(func() {
				w.deliver(Download{
					Filename: downloadName(name, target.Path),
					MIMEType: resp.header.Get("Content-Type"),
					Data:     resp.body,
				})
			})
		})
	}
}

// deliver runs on the loop, the only sender on w.downloads.
func (w *Window) deliver(d Download) {
	select {
	case w.downloads <- d:
		w.logger.Info("foreign: download", "filename", d.Filename, "bytes", len(d.Data), "mime", d.MIMEType)
	default:
		w.logger.Error("foreign: download dropped, channel full", "filename", d.Filename)
	}
}

func downloadName(attrValue, fallback string) string {
	name := path.Base(strings.TrimSpace(attrValue))
	if name == "" || name == "." || name == "/" {
		name = path.Base(fallback)
	}
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	return name
}

// decodeDataURL handles the base64 and percent-encoded forms.
func decodeDataURL(s string) (string, []byte, error) {
	rest := strings.TrimPrefix(s, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("foreign: data url without payload")
	}
	mime := "text/plain"
	isBase64 := strings.HasSuffix(meta, ";base64")
	if m := strings.TrimSuffix(meta, ";base64"); m != "" {
		mime, _, _ = strings.Cut(m, ";")
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		return mime, data, err
	}
	text, err := url.PathUnescape(payload)
	return mime, []byte(text), err
}
