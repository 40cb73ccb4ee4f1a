package foreign

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Namespace URIs understood by createElementNS and reported by namespaceURI.
const (
	NamespaceHTML   = "http://www.w3.org/1999/xhtml"
	NamespaceSVG    = "http://www.w3.org/2000/svg"
	NamespaceMathML = "http://www.w3.org/1998/Math/MathML"
)

// Document is the DOM of a window. Its methods must only be called on the
// window's event loop (inside Window.Do or a hook callback).
type Document struct {
	w          *Window
	root       *html.Node
	obj        *goja.Object
	readyState string
	props      map[string]goja.Value
	methods    map[string]goja.Value

	nodes map[*html.Node]*Element
	byObj map[*goja.Object]*Element
}

// Element wraps one node of the document. Text nodes are wrapped too so
// childNodes and createTextNode work; Node().Type tells them apart.
type Element struct {
	doc     *Document
	node    *html.Node
	obj     *goja.Object
	props   map[string]goja.Value
	methods map[string]goja.Value
}

func newDocument(w *Window, root *html.Node) *Document {
	d := &Document{
		w:          w,
		root:       root,
		readyState: "loading",
		props:      make(map[string]goja.Value),
		nodes:      make(map[*html.Node]*Element),
		byObj:      make(map[*goja.Object]*Element),
	}
	d.obj = w.vm.NewDynamicObject(documentObject{d})
	return d
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Object returns the JS document object.
func (d *Document) Object() *goja.Object { return d.obj }

// ReadyState is "loading", "interactive" or "complete".
func (d *Document) ReadyState() string { return d.readyState }

// GetElementByID returns the first element in tree order with the given id.
func (d *Document) GetElementByID(id string) *Element {
	n := findNode(d.root, func(n *html.Node) bool {
		v, ok := attr(n, "id")
		return ok && v == id
	})
	if n == nil {
		return nil
	}
	return d.wrap(n)
}

// Body returns the body element, if any.
func (d *Document) Body() *Element {
	if n := findTag(d.root, "body"); n != nil {
		return d.wrap(n)
	}
	return nil
}

// ElementOf resolves a JS value back to the element it wraps.
func (d *Document) ElementOf(v goja.Value) (*Element, bool) {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		return nil, false
	}
	e, ok := d.byObj[obj]
	return e, ok
}

func (d *Document) wrap(n *html.Node) *Element {
	if e, ok := d.nodes[n]; ok {
		return e
	}
	e := &Element{doc: d, node: n, props: make(map[string]goja.Value)}
	e.obj = d.w.vm.NewDynamicObject(elementObject{e})
	d.nodes[n] = e
	d.byObj[e.obj] = e
	return e
}

func (d *Document) wrapValue(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if n.Type == html.DocumentNode {
		return d.obj
	}
	return d.wrap(n).obj
}

func (d *Document) mustElement(v goja.Value, op string) *Element {
	e, ok := d.ElementOf(v)
	if !ok {
		panic(d.w.vm.NewTypeError("%s: parameter is not of type 'Node'", op))
	}
	return e
}

func (d *Document) createElement(ns, qualified string) *html.Node {
	name := qualified
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	var namespace string
	switch ns {
	case NamespaceSVG:
		namespace = "svg"
	case NamespaceMathML:
		namespace = "math"
	default:
		name = strings.ToLower(name)
	}
	return &html.Node{
		Type:      html.ElementNode,
		Data:      name,
		DataAtom:  atom.Lookup([]byte(name)),
		Namespace: namespace,
	}
}

func (d *Document) query(scope *html.Node, selector string, all bool) goja.Value {
	sel := goquery.NewDocumentFromNode(scope).Find(selector)
	if !all {
		if sel.Length() == 0 {
			return goja.Null()
		}
		return d.wrap(sel.Get(0)).obj
	}
	out := make([]interface{}, 0, sel.Length())
	for _, n := range sel.Nodes {
		out = append(out, d.wrap(n).obj)
	}
	return d.w.vm.NewArray(out...)
}

// eventPath returns n and its ancestors followed by document and window.
func (d *Document) eventPath(n *html.Node) []*goja.Object {
	var path []*goja.Object
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			break
		}
		path = append(path, d.wrap(p).obj)
	}
	if n == d.root || attached(n, d.root) {
		path = append(path, d.obj, d.w.vm.GlobalObject())
	}
	return path
}

func (d *Document) method(name string) goja.Value {
	if d.methods == nil {
		d.methods = d.buildMethods()
	}
	return d.methods[name]
}

func (d *Document) buildMethods() map[string]goja.Value {
	vm := d.w.vm
	m := d.w.eventTargetMethods(d.obj, func() []*goja.Object {
		return []*goja.Object{d.obj, vm.GlobalObject()}
	})
	m["getElementById"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if e := d.GetElementByID(call.Argument(0).String()); e != nil {
			return e.obj
		}
		return goja.Null()
	})
	m["createElement"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.wrap(d.createElement("", call.Argument(0).String())).obj
	})
	m["createElementNS"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		ns := ""
		if v := call.Argument(0); !goja.IsNull(v) && !goja.IsUndefined(v) {
			ns = v.String()
		}
		return d.wrap(d.createElement(ns, call.Argument(1).String())).obj
	})
	m["createTextNode"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()}).obj
	})
	m["querySelector"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.query(d.root, call.Argument(0).String(), false)
	})
	m["querySelectorAll"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.query(d.root, call.Argument(0).String(), true)
	})
	m["getElementsByTagName"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.query(d.root, call.Argument(0).String(), true)
	})
	return m
}

type documentObject struct{ d *Document }

func (o documentObject) Get(key string) goja.Value {
	d := o.d
	switch key {
	case "nodeType":
		return d.w.vm.ToValue(9)
	case "nodeName":
		return d.w.vm.ToValue("#document")
	case "readyState":
		return d.w.vm.ToValue(d.readyState)
	case "documentElement":
		return d.wrapValue(findTag(d.root, "html"))
	case "head":
		return d.wrapValue(findTag(d.root, "head"))
	case "body":
		return d.wrapValue(findTag(d.root, "body"))
	case "title":
		if n := findTag(d.root, "title"); n != nil {
			return d.w.vm.ToValue(strings.TrimSpace(textContent(n)))
		}
		return d.w.vm.ToValue("")
	case "defaultView":
		return d.w.vm.GlobalObject()
	case "location":
		return d.w.vm.Get("location")
	case "URL":
		return d.w.vm.ToValue(d.w.baseURL())
	case "cookie":
		return d.w.vm.ToValue("")
	}
	if v, ok := d.props[key]; ok {
		return v
	}
	return d.method(key)
}

func (o documentObject) Set(key string, val goja.Value) bool {
	switch key {
	case "nodeType", "nodeName", "readyState", "documentElement", "head", "body", "defaultView", "URL":
		return false
	case "title":
		if n := findTag(o.d.root, "title"); n != nil {
			setText(n, val.String())
		}
		return true
	case "cookie":
		return true
	}
	o.d.props[key] = val
	return true
}

func (o documentObject) Has(key string) bool {
	return o.Get(key) != nil
}

func (o documentObject) Delete(key string) bool {
	delete(o.d.props, key)
	return true
}

func (o documentObject) Keys() []string {
	return sortedKeys(o.d.props)
}

// Node returns the wrapped node.
func (e *Element) Node() *html.Node { return e.node }

// Object returns the JS object scripts see for this element.
func (e *Element) Object() *goja.Object { return e.obj }

// Tag returns the local tag name as parsed ("svg", "div").
func (e *Element) Tag() string { return e.node.Data }

// Namespace returns "" for HTML, "svg" or "math" for foreign content.
func (e *Element) Namespace() string { return e.node.Namespace }

// ID returns the id attribute.
func (e *Element) ID() string {
	v, _ := attr(e.node, "id")
	return v
}

// Attr returns the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	return attr(e.node, e.attrName(name))
}

// SetAttr sets or replaces the named attribute.
func (e *Element) SetAttr(name, value string) {
	setAttr(e.node, e.attrName(name), value)
}

// RemoveAttr deletes the named attribute.
func (e *Element) RemoveAttr(name string) {
	removeAttr(e.node, e.attrName(name))
}

// Connected reports whether the element is attached to its document.
func (e *Element) Connected() bool {
	return attached(e.node, e.doc.root)
}

// OuterHTML serializes the element and its subtree.
func (e *Element) OuterHTML() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, e.node); err != nil {
		return "", fmt.Errorf("foreign: serialize <%s>: %w", e.node.Data, err)
	}
	return buf.String(), nil
}

// InnerHTML serializes the element's children.
func (e *Element) InnerHTML() (string, error) {
	var buf bytes.Buffer
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("foreign: serialize children of <%s>: %w", e.node.Data, err)
		}
	}
	return buf.String(), nil
}

func (e *Element) attrName(name string) string {
	if e.node.Namespace == "" {
		return strings.ToLower(name)
	}
	return name
}

func (e *Element) setInnerHTML(markup string) {
	nodes, err := html.ParseFragment(strings.NewReader(markup), e.node)
	if err != nil {
		panic(e.doc.w.vm.NewTypeError("innerHTML: %v", err))
	}
	removeChildren(e.node)
	for _, n := range nodes {
		e.node.AppendChild(n)
	}
}

func (e *Element) appendChild(child *Element) {
	if child.node == e.node || isAncestor(child.node, e.node) {
		panic(e.doc.w.vm.NewTypeError("appendChild: the new child is an ancestor of the parent"))
	}
	detach(child.node)
	e.node.AppendChild(child.node)
}

// click dispatches a click and runs the anchor default action.
func (e *Element) click() {
	w := e.doc.w
	ev := w.newEvent("click", true, true)
	w.dispatch(e.doc.eventPath(e.node), ev)
	if truthy(ev.Get("defaultPrevented")) {
		return
	}
	if e.node.Type == html.ElementNode && e.node.Namespace == "" && e.node.Data == "a" {
		w.followAnchor(e)
	}
}

func (e *Element) children(elementsOnly bool) goja.Value {
	var out []interface{}
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if elementsOnly && c.Type != html.ElementNode {
			continue
		}
		if c.Type != html.ElementNode && c.Type != html.TextNode {
			continue
		}
		out = append(out, e.doc.wrap(c).obj)
	}
	return e.doc.w.vm.NewArray(out...)
}

func (e *Element) method(name string) goja.Value {
	if e.methods == nil {
		e.methods = e.buildMethods()
	}
	return e.methods[name]
}

func (e *Element) buildMethods() map[string]goja.Value {
	d := e.doc
	vm := d.w.vm
	m := d.w.eventTargetMethods(e.obj, func() []*goja.Object { return d.eventPath(e.node) })

	m["getAttribute"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if v, ok := e.Attr(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	m["setAttribute"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		e.SetAttr(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	m["setAttributeNS"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		e.SetAttr(call.Argument(1).String(), call.Argument(2).String())
		return goja.Undefined()
	})
	m["removeAttribute"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		e.RemoveAttr(call.Argument(0).String())
		return goja.Undefined()
	})
	m["hasAttribute"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		_, ok := e.Attr(call.Argument(0).String())
		return vm.ToValue(ok)
	})
	m["appendChild"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		child := d.mustElement(call.Argument(0), "appendChild")
		e.appendChild(child)
		return child.obj
	})
	m["append"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			if child, ok := d.ElementOf(arg); ok {
				e.appendChild(child)
				continue
			}
			e.node.AppendChild(&html.Node{Type: html.TextNode, Data: arg.String()})
		}
		return goja.Undefined()
	})
	m["insertBefore"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		child := d.mustElement(call.Argument(0), "insertBefore")
		ref, ok := d.ElementOf(call.Argument(1))
		if !ok {
			e.appendChild(child)
			return child.obj
		}
		if ref.node.Parent != e.node {
			panic(vm.NewTypeError("insertBefore: reference node is not a child of this node"))
		}
		detach(child.node)
		e.node.InsertBefore(child.node, ref.node)
		return child.obj
	})
	m["removeChild"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		child := d.mustElement(call.Argument(0), "removeChild")
		if child.node.Parent != e.node {
			panic(vm.NewTypeError("removeChild: the node to be removed is not a child of this node"))
		}
		e.node.RemoveChild(child.node)
		return child.obj
	})
	m["remove"] = vm.ToValue(func(goja.FunctionCall) goja.Value {
		detach(e.node)
		return goja.Undefined()
	})
	m["click"] = vm.ToValue(func(goja.FunctionCall) goja.Value {
		e.click()
		return goja.Undefined()
	})
	m["querySelector"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.query(e.node, call.Argument(0).String(), false)
	})
	m["querySelectorAll"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.query(e.node, call.Argument(0).String(), true)
	})
	m["getElementsByTagName"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return d.query(e.node, call.Argument(0).String(), true)
	})
	m["contains"] = vm.ToValue(func(call goja.FunctionCall) goja.Value {
		other, ok := d.ElementOf(call.Argument(0))
		return vm.ToValue(ok && (other.node == e.node || isAncestor(e.node, other.node)))
	})
	m["getBoundingClientRect"] = vm.ToValue(func(goja.FunctionCall) goja.Value {
		rect := vm.NewObject()
		w, h := e.declaredSize()
		for k, v := range map[string]float64{"x": 0, "y": 0, "top": 0, "left": 0, "width": w, "height": h, "right": w, "bottom": h} {
			_ = rect.Set(k, v)
		}
		return rect
	})
	return m
}

// declaredSize reads width and height attributes as unitless numbers.
// Layout is not computed.
func (e *Element) declaredSize() (float64, float64) {
	num := func(name string) float64 {
		v, _ := attr(e.node, name)
		var f float64
		_, _ = fmt.Sscanf(strings.TrimSuffix(strings.TrimSpace(v), "px"), "%g", &f)
		return f
	}
	return num("width"), num("height")
}

func (e *Element) classList() *goja.Object {
	vm := e.doc.w.vm
	classes := func() []string {
		v, _ := attr(e.node, "class")
		return strings.Fields(v)
	}
	write := func(list []string) { setAttr(e.node, "class", strings.Join(list, " ")) }
	has := func(name string) bool {
		for _, c := range classes() {
			if c == name {
				return true
			}
		}
		return false
	}
	cl := vm.NewObject()
	_ = cl.Set("contains", func(name string) bool { return has(name) })
	_ = cl.Set("add", func(call goja.FunctionCall) goja.Value {
		list := classes()
		for _, a := range call.Arguments {
			if !has(a.String()) {
				list = append(list, a.String())
				write(list)
			}
		}
		return goja.Undefined()
	})
	_ = cl.Set("remove", func(call goja.FunctionCall) goja.Value {
		drop := make(map[string]bool)
		for _, a := range call.Arguments {
			drop[a.String()] = true
		}
		var kept []string
		for _, c := range classes() {
			if !drop[c] {
				kept = append(kept, c)
			}
		}
		write(kept)
		return goja.Undefined()
	})
	_ = cl.Set("toggle", func(name string) bool {
		if has(name) {
			var kept []string
			for _, c := range classes() {
				if c != name {
					kept = append(kept, c)
				}
			}
			write(kept)
			return false
		}
		write(append(classes(), name))
		return true
	})
	return cl
}

// reflected maps IDL properties onto the attributes that back them.
var reflected = map[string]string{
	"id":        "id",
	"className": "class",
	"href":      "href",
	"src":       "src",
	"download":  "download",
	"name":      "name",
	"type":      "type",
	"rel":       "rel",
	"title":     "title",
	"target":    "target",
}

type elementObject struct{ e *Element }

func (o elementObject) Get(key string) goja.Value {
	e := o.e
	d := e.doc
	vm := d.w.vm
	n := e.node

	if n.Type == html.TextNode {
		switch key {
		case "nodeType":
			return vm.ToValue(3)
		case "nodeName":
			return vm.ToValue("#text")
		case "data", "nodeValue", "textContent":
			return vm.ToValue(n.Data)
		}
	}

	switch key {
	case "nodeType":
		return vm.ToValue(1)
	case "tagName", "nodeName":
		if n.Namespace == "" {
			return vm.ToValue(strings.ToUpper(n.Data))
		}
		return vm.ToValue(n.Data)
	case "localName":
		return vm.ToValue(n.Data)
	case "namespaceURI":
		switch n.Namespace {
		case "svg":
			return vm.ToValue(NamespaceSVG)
		case "math":
			return vm.ToValue(NamespaceMathML)
		}
		return vm.ToValue(NamespaceHTML)
	case "ownerDocument":
		return d.obj
	case "parentNode":
		return d.wrapValue(n.Parent)
	case "parentElement":
		if n.Parent == nil || n.Parent.Type != html.ElementNode {
			return goja.Null()
		}
		return d.wrap(n.Parent).obj
	case "isConnected":
		return vm.ToValue(e.Connected())
	case "children":
		return e.children(true)
	case "childNodes":
		return e.children(false)
	case "firstChild":
		return d.wrapValue(n.FirstChild)
	case "lastChild":
		return d.wrapValue(n.LastChild)
	case "nextSibling":
		return d.wrapValue(n.NextSibling)
	case "previousSibling":
		return d.wrapValue(n.PrevSibling)
	case "firstElementChild":
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				return d.wrap(c).obj
			}
		}
		return goja.Null()
	case "textContent", "innerText":
		return vm.ToValue(textContent(n))
	case "innerHTML":
		s, err := e.InnerHTML()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(s)
	case "outerHTML":
		s, err := e.OuterHTML()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(s)
	case "style":
		if v, ok := e.props["style"]; ok {
			return v
		}
		style := vm.NewObject()
		e.props["style"] = style
		return style
	case "classList":
		return e.classList()
	}
	if name, ok := reflected[key]; ok {
		v, _ := attr(n, name)
		return vm.ToValue(v)
	}
	if v, ok := e.props[key]; ok {
		return v
	}
	return e.method(key)
}

func (o elementObject) Set(key string, val goja.Value) bool {
	e := o.e
	switch key {
	case "textContent", "innerText":
		if e.node.Type == html.TextNode {
			e.node.Data = val.String()
			return true
		}
		setText(e.node, val.String())
		return true
	case "data", "nodeValue":
		if e.node.Type == html.TextNode {
			e.node.Data = val.String()
		}
		return true
	case "innerHTML":
		e.setInnerHTML(val.String())
		return true
	case "nodeType", "nodeName", "tagName", "localName", "namespaceURI", "ownerDocument",
		"parentNode", "parentElement", "children", "childNodes", "firstChild", "lastChild",
		"nextSibling", "previousSibling", "firstElementChild", "isConnected", "classList", "outerHTML":
		return false
	}
	if name, ok := reflected[key]; ok {
		setAttr(e.node, name, val.String())
		return true
	}
	e.props[key] = val
	return true
}

func (o elementObject) Has(key string) bool {
	return o.Get(key) != nil
}

func (o elementObject) Delete(key string) bool {
	delete(o.e.props, key)
	return true
}

func (o elementObject) Keys() []string {
	return sortedKeys(o.e.props)
}

func sortedKeys(m map[string]goja.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if attrKey(a) == name {
			return a.Val, true
		}
	}
	return "", false
}

func attrKey(a html.Attribute) string {
	if a.Namespace != "" {
		return a.Namespace + ":" + a.Key
	}
	return a.Key
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if attrKey(a) == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if attrKey(a) == name {
			n.Attr = append(n.Attr[:i:i], n.Attr[i+1:]...)
			return
		}
	}
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func setText(n *html.Node, s string) {
	removeChildren(n)
	if s != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
	}
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// isAncestor reports whether a is a proper ancestor of n.
func isAncestor(a, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

func attached(n, root *html.Node) bool {
	return n == root || isAncestor(root, n)
}

func findNode(root *html.Node, match func(*html.Node) bool) *html.Node {
	if root.Type == html.ElementNode && match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findTag(root *html.Node, tag string) *html.Node {
	return findNode(root, func(n *html.Node) bool {
		return n.Namespace == "" && n.Data == tag
	})
}
