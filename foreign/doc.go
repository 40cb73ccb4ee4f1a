// Package foreign runs a foreign single-page application inside an
// embedded JavaScript realm.
//
// A Window owns one goja runtime, one parsed document and one event-loop
// goroutine. Everything that touches the runtime (scripts, timers, fetch
// completions, DOM calls, hook callbacks) executes on that goroutine, so
// the foreign app sees the same single-threaded model a browser tab gives
// it. Host code reaches into the realm with Window.Do.
//
// The browser surface is deliberately small: a DOM over golang.org/x/net/html,
// window and document events, setTimeout and friends, fetch, Blob with
// URL.createObjectURL, XMLSerializer, and anchor-click downloads.
package foreign
