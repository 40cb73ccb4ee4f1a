package foreign

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

type script struct {
	name   string
	src    string // external URL, resolved
	inline string
}

// Boot loads the entry document and runs the foreign app: every classic
// or module script in document order, then DOMContentLoaded and load.
// A failing script is logged and the next one still runs, as in a browser.
// Hooks must be registered before Boot.
func (w *Window) Boot(ctx context.Context) error {
	if !w.booting.CompareAndSwap(false, true) {
		return ErrBooted
	}
	if w.opts.EntryURL == "" {
		return ErrNoEntry
	}

	entry, err := w.get(ctx, w.opts.EntryURL)
	if err != nil {
		return fmt.Errorf("foreign: boot: fetch entry: %w", err)
	}
	if entry.status != http.StatusOK {
		return fmt.Errorf("foreign: boot: entry %s: status %d", w.opts.EntryURL, entry.status)
	}

	var scripts []script
	err = w.exec(ctx, func(vm *goja.Runtime) error {
		root, err := html.Parse(bytes.NewReader(entry.body))
		if err != nil {
			return fmt.Errorf("foreign: boot: parse entry: %w", err)
		}
		if err := w.setDocument(vm, root); err != nil {
			return err
		}
		if w.opts.Sandbox.AllowScripts {
			scripts = w.discoverScripts(root)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.logger.Debug("foreign: entry parsed", "url", w.opts.EntryURL, "scripts", len(scripts))

	for _, s := range scripts {
		source := s.inline
		if s.src != "" {
			resp, err := w.get(ctx, s.src)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("foreign: fetch script failed", "src", s.src, "error", err)
				continue
			}
			if resp.status != http.StatusOK {
				w.logger.Warn("foreign: fetch script failed", "src", s.src, "status", resp.status)
				continue
			}
			source = string(resp.body)
		}
		err := w.exec(ctx, func(vm *goja.Runtime) error {
			if _, err := vm.RunScript(s.name, source); err != nil {
				w.reportError("foreign: script failed", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	err = w.exec(ctx, func(vm *goja.Runtime) error {
		w.doc.readyState = "interactive"
		ev := w.newEvent("DOMContentLoaded", true, false)
		w.dispatch([]*goja.Object{w.doc.obj, vm.GlobalObject()}, ev)

		w.doc.readyState = "complete"
		w.dispatch([]*goja.Object{vm.GlobalObject()}, w.newEvent("load", false, false))
		return nil
	})
	if err != nil {
		return err
	}
	w.booted.Store(true)
	w.logger.Info("foreign: booted", "url", w.opts.EntryURL)
	return nil
}

// discoverScripts lists runnable scripts in document order. Module
// scripts run as classic scripts; nomodule fallbacks are skipped.
func (w *Window) discoverScripts(root *html.Node) []script {
	var out []script
	goquery.NewDocumentFromNode(root).Find("script").Each(func(i int, sel *goquery.Selection) {
		typ, _ := sel.Attr("type")
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "", "text/javascript", "application/javascript", "text/ecmascript", "module":
		default:
			return
		}
		if _, ok := sel.Attr("nomodule"); ok {
			return
		}
		if src, ok := sel.Attr("src"); ok && strings.TrimSpace(src) != "" {
			u, err := w.resolve(src)
			if err != nil {
				w.logger.Warn("foreign: bad script src", "src", src, "error", err)
				return
			}
			out = append(out, script{name: u.String(), src: u.String()})
			return
		}
		if text := sel.Text(); strings.TrimSpace(text) != "" {
			out = append(out, script{name: fmt.Sprintf("%s#inline-%d", w.opts.EntryURL, i), inline: text})
		}
	})
	return out
}
