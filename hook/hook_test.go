package hook

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
)

// tslibDecorate is the helper TypeScript emits for decorated classes. It
// defers to Reflect.decorate when that function exists.
const tslibDecorate = `
var __decorate = function (decorators, target, key, desc) {
    var c = arguments.length, r = c < 3 ? target : desc === null ? desc = Object.getOwnPropertyDescriptor(target, key) : desc, d;
    if (typeof Reflect === "object" && typeof Reflect.decorate === "function") r = Reflect.decorate(decorators, target, key, desc);
    else for (var i = decorators.length - 1; i >= 0; i--) if (d = decorators[i]) r = (c < 3 ? d(r) : c > 3 ? d(target, key, r) : d(target, key)) || r;
    return c > 3 && r && Object.defineProperty(target, key, r), r;
};
function Component(meta) {
    return function (cls) { cls.annotations = (cls.annotations || []).concat([meta]); };
}
`

func newRealm(t *testing.T) (*goja.Runtime, *Registry) {
	t.Helper()
	vm := goja.New()
	reg, err := NewRegistry(vm, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mustRun(t, vm, tslibDecorate)
	return vm, reg
}

func mustRun(t *testing.T, vm *goja.Runtime, src string) goja.Value {
	t.Helper()
	v, err := vm.RunString(src)
	if err != nil {
		t.Fatalf("run script: %v", err)
	}
	return v
}

func TestMatches(t *testing.T) {
	vm := goja.New()
	mustRun(t, vm, `
class Tabs { newBlankTab() {} loadLayerFromURL() {} }
class Base { exportRender() {} }
class Derived extends Base { ngAfterViewInit() {} }
class Half { newBlankTab() {} }
class NotCallable {}
NotCallable.prototype.loadLayerFromURL = 42;
var arrow = () => {};
var plain = { newBlankTab() {}, loadLayerFromURL() {} };
`)
	tests := []struct {
		name     string
		expr     string
		required []string
		want     bool
	}{
		{"all methods present", "Tabs", []string{"newBlankTab", "loadLayerFromURL"}, true},
		{"subset of methods", "Tabs", []string{"loadLayerFromURL"}, true},
		{"missing method", "Half", []string{"newBlankTab", "loadLayerFromURL"}, false},
		{"non callable member", "NotCallable", []string{"loadLayerFromURL"}, false},
		{"inherited member", "Derived", []string{"exportRender", "ngAfterViewInit"}, true},
		{"arrow function", "arrow", []string{"newBlankTab"}, false},
		{"plain object", "plain", []string{"newBlankTab"}, false},
		{"number", "42", []string{"newBlankTab"}, false},
		{"undefined", "undefined", []string{"newBlankTab"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := mustRun(t, vm, tt.expr)
			if got := Matches(v, tt.required); got != tt.want {
				t.Errorf("Matches(%s, %v) = %v, want %v", tt.expr, tt.required, got, tt.want)
			}
		})
	}
}

func TestMatches_ThrowingGetter(t *testing.T) {
	vm := goja.New()
	v := mustRun(t, vm, `
class Trap {}
Object.defineProperty(Trap.prototype, "buildSVG", { get() { throw new Error("no"); } });
Trap`)
	if Matches(v, []string{"buildSVG"}) {
		t.Fatal("Matches: throwing getter must be a non-match")
	}
}

func TestRegister_Validation(t *testing.T) {
	_, reg := newRealm(t)
	noop := func(Call) {}

	tests := []struct {
		name   string
		caps   []string
		method string
		cb     Callback
		want   error
	}{
		{"empty signature", nil, Constructor, noop, ErrNoCapabilities},
		{"duplicate name", []string{"a", "a"}, Constructor, noop, ErrDuplicateCapability},
		{"empty method", []string{"a"}, "", noop, ErrNoMethod},
		{"nil callback", []string{"a"}, Constructor, nil, ErrNoCallback},
	}
	for _, tt := range tests {
		if err := reg.Register(tt.caps, tt.method, tt.cb); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("Len: got %d, want 0 after rejected registrations", reg.Len())
	}
	if err := reg.Register([]string{"a", "b"}, "b", noop); err != nil {
		t.Fatalf("valid Register: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", reg.Len())
	}
}

func TestRegister_CopiesSignature(t *testing.T) {
	vm, reg := newRealm(t)
	caps := []string{"loadLayerFromURL"}
	calls := 0
	if err := reg.Register(caps, Constructor, func(Call) { calls++ }); err != nil {
		t.Fatal(err)
	}
	caps[0] = "somethingElse"

	mustRun(t, vm, `
class Tabs { loadLayerFromURL() {} }
Tabs = __decorate([Component({})], Tabs);
new Tabs();`)
	if calls != 1 {
		t.Fatalf("callback calls: got %d, want 1", calls)
	}
}

func TestConstructionTrap_EveryInstantiation(t *testing.T) {
	vm, reg := newRealm(t)

	type seen struct {
		instance *goja.Object
		args     []goja.Value
		original goja.Value
	}
	var calls []seen
	err := reg.Register([]string{"newBlankTab", "loadLayerFromURL"}, Constructor, func(c Call) {
		calls = append(calls, seen{c.Instance, c.Args, c.Original})
	})
	if err != nil {
		t.Fatal(err)
	}

	mustRun(t, vm, `
var Original = class Tabs {
    constructor(n, label) { this.n = n; this.label = label; }
    newBlankTab() {}
    loadLayerFromURL() {}
};
var Tabs = __decorate([Component({ selector: "tabs" })], Original);
var made = [new Tabs(0, "a"), new Tabs(1, "b"), new Tabs(2, "c")];
`)

	if len(calls) != 3 {
		t.Fatalf("callback calls: got %d, want 3", len(calls))
	}
	made := vm.Get("made").ToObject(vm)
	original := vm.Get("Original")
	for i, c := range calls {
		returned := made.Get(string(rune('0' + i))).(*goja.Object)
		if c.instance != returned {
			t.Errorf("call %d: callback instance differs from the returned instance", i)
		}
		if got := c.args[0].ToInteger(); got != int64(i) {
			t.Errorf("call %d: arg0 = %d, want %d", i, got, i)
		}
		if c.original != original {
			t.Errorf("call %d: original is not the undecorated class", i)
		}
	}

	if !mustRun(t, vm, `made.every(function (m) { return m instanceof Original && m instanceof Tabs; })`).ToBoolean() {
		t.Fatal("trapped instances must be instanceof the original class")
	}
	if !mustRun(t, vm, `Original.annotations.length === 1 && Original.annotations[0].selector === "tabs"`).ToBoolean() {
		t.Fatal("decorators must still decorate the original class")
	}
	if reg.Installed() != 1 {
		t.Fatalf("Installed: got %d, want 1", reg.Installed())
	}
}

func TestConstructionTrap_ThrowingConstructor(t *testing.T) {
	vm, reg := newRealm(t)
	calls := 0
	if err := reg.Register([]string{"render"}, Constructor, func(Call) { calls++ }); err != nil {
		t.Fatal(err)
	}

	v := mustRun(t, vm, `
class Broken { constructor() { throw new Error("ctor failed"); } render() {} }
Broken = __decorate([Component({})], Broken);
var msg = "";
try { new Broken(); } catch (e) { msg = e.message; }
msg`)
	if v.String() != "ctor failed" {
		t.Fatalf("exception: got %q, want %q", v.String(), "ctor failed")
	}
	if calls != 0 {
		t.Fatalf("callback calls: got %d, want 0", calls)
	}
}

func TestConstructionTrap_Subclass(t *testing.T) {
	vm, reg := newRealm(t)
	calls := 0
	if err := reg.Register([]string{"exportRender"}, Constructor, func(Call) { calls++ }); err != nil {
		t.Fatal(err)
	}
	ok := mustRun(t, vm, `
class Table { exportRender() { return "base"; } }
Table = __decorate([Component({})], Table);
class Wide extends Table { extra() { return "wide"; } }
var w = new Wide();
w instanceof Wide && w.extra() === "wide" && w.exportRender() === "base"`)
	if !ok.ToBoolean() {
		t.Fatal("subclass of a trapped class must keep its own prototype")
	}
	if calls != 1 {
		t.Fatalf("callback calls: got %d, want 1", calls)
	}
}

func TestConstructionTrap_InstanceOf(t *testing.T) {
	vm, reg := newRealm(t)
	if err := reg.Register([]string{"newBlankTab"}, Constructor, func(Call) {}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		js   string
		want bool
	}{
		{"own_instance", `var A = __decorate([], class { newBlankTab() {} }); new A() instanceof A`, true},
		{"subclass_instance", `
var B = __decorate([Component({})], class { newBlankTab() {} });
class C extends B {}
var c = new C();
c instanceof B && c instanceof C`, true},
		{"unrelated_object", `var D = __decorate([], class { newBlankTab() {} }); ({}) instanceof D`, false},
		{"primitive", `var E = __decorate([], class { newBlankTab() {} }); 42 instanceof E`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// WHAT: instanceof against a trapped class must not throw.
			if got := mustRun(t, vm, tt.js).ToBoolean(); got != tt.want {
				t.Fatalf("instanceof: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMethodWrapper_OriginalRunsFirst(t *testing.T) {
	vm, reg := newRealm(t)

	var observed []int64
	err := reg.Register([]string{"exportRender"}, "ngAfterViewInit", func(c Call) {
		observed = append(observed, c.Instance.Get("inits").ToInteger())
		if len(c.Args) != 1 || c.Args[0].String() != "x" {
			t.Errorf("args: got %v, want [x]", c.Args)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	v := mustRun(t, vm, `
class Table {
    constructor() { this.inits = 0; }
    exportRender() {}
    ngAfterViewInit(arg) { this.inits++; return "ret-" + this.inits; }
}
Table = __decorate([Component({})], Table);
var t1 = new Table();
[t1.ngAfterViewInit("x"), t1.ngAfterViewInit("x")].join(",")`)

	if v.String() != "ret-1,ret-2" {
		t.Fatalf("return values: got %q, want %q", v.String(), "ret-1,ret-2")
	}
	if len(observed) != 2 || observed[0] != 1 || observed[1] != 2 {
		t.Fatalf("callback must observe post-call state once per call: got %v", observed)
	}
}

func TestMethodWrapper_ThrowingOriginalSkipsCallback(t *testing.T) {
	vm, reg := newRealm(t)
	calls := 0
	if err := reg.Register([]string{"downloadSVG"}, "buildSVG", func(Call) { calls++ }); err != nil {
		t.Fatal(err)
	}
	v := mustRun(t, vm, `
class Exporter { downloadSVG() {} buildSVG() { throw new Error("debounced"); } }
Exporter = __decorate([Component({})], Exporter);
var caught = "";
try { new Exporter().buildSVG(); } catch (e) { caught = e.message; }
caught`)
	if v.String() != "debounced" {
		t.Fatalf("exception: got %q", v.String())
	}
	if calls != 0 {
		t.Fatalf("callback calls: got %d, want 0", calls)
	}
}

func TestMethodWrapper_MissingMethodSkipped(t *testing.T) {
	vm, reg := newRealm(t)
	calls := 0
	if err := reg.Register([]string{"promptNavAway"}, "ngOnDestroy", func(Call) { calls++ }); err != nil {
		t.Fatal(err)
	}
	v := mustRun(t, vm, `
class Guard { promptNavAway(e) { return "prompted"; } }
Guard = __decorate([Component({})], Guard);
new Guard().promptNavAway({})`)
	if v.String() != "prompted" {
		t.Fatalf("class must work unchanged, got %q", v.String())
	}
	if calls != 0 || reg.Installed() != 0 {
		t.Fatalf("nothing should be installed: calls=%d installed=%d", calls, reg.Installed())
	}
}

func TestOrderingInvariant_NoRetroactiveInstrumentation(t *testing.T) {
	vm, reg := newRealm(t)
	mustRun(t, vm, `
class Tabs { newBlankTab() {} loadLayerFromURL() {} }
Tabs = __decorate([Component({})], Tabs);`)

	calls := 0
	if err := reg.Register([]string{"newBlankTab", "loadLayerFromURL"}, Constructor, func(Call) { calls++ }); err != nil {
		t.Fatal(err)
	}
	mustRun(t, vm, `new Tabs(); new Tabs();`)
	if calls != 0 {
		t.Fatalf("class defined before registration was instrumented: %d calls", calls)
	}

	mustRun(t, vm, `
class Later { newBlankTab() {} loadLayerFromURL() {} }
Later = __decorate([Component({})], Later);
new Later();`)
	if calls != 1 {
		t.Fatalf("class defined after registration: got %d calls, want 1", calls)
	}
}

func TestMultipleHooks_InsertionOrder(t *testing.T) {
	vm, reg := newRealm(t)
	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		if err := reg.Register([]string{"loadLayerFromURL"}, Constructor, func(Call) { order = append(order, name) }); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Register([]string{"loadLayerFromURL"}, "loadLayerFromURL", func(Call) { order = append(order, "method") }); err != nil {
		t.Fatal(err)
	}

	mustRun(t, vm, `
class Tabs { loadLayerFromURL() {} }
Tabs = __decorate([Component({})], Tabs);
new Tabs().loadLayerFromURL();`)

	want := []string{"first", "second", "method"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
}

func TestRedecoration_InstallsOnce(t *testing.T) {
	vm, reg := newRealm(t)
	ctorCalls, methodCalls := 0, 0
	if err := reg.Register([]string{"buildSVG"}, Constructor, func(Call) { ctorCalls++ }); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register([]string{"buildSVG"}, "buildSVG", func(Call) { methodCalls++ }); err != nil {
		t.Fatal(err)
	}
	mustRun(t, vm, `
class Svg { buildSVG() {} }
Svg = __decorate([Component({})], Svg);
Svg = __decorate([Component({})], Svg);
new Svg().buildSVG();`)
	if ctorCalls != 1 || methodCalls != 1 {
		t.Fatalf("double decoration: ctor=%d method=%d, want 1 and 1", ctorCalls, methodCalls)
	}
}

func TestDefaultDecoration_Members(t *testing.T) {
	vm, _ := newRealm(t)
	v := mustRun(t, vm, `
function Upper(target, key, desc) {
    var orig = desc.value;
    return { value: function () { return orig.apply(this, arguments).toUpperCase(); }, writable: true, configurable: true };
}
var seen = [];
function Input(target, key) { seen.push(key); }
class Cell {
    label() { return "cell"; }
}
__decorate([Upper], Cell.prototype, "label", null);
__decorate([Input], Cell.prototype, "value", void 0);
new Cell().label() + ":" + seen.join(",")`)
	if v.String() != "CELL:value" {
		t.Fatalf("member decoration: got %q, want %q", v.String(), "CELL:value")
	}
}

func TestDefaultDecoration_ClassReplacement(t *testing.T) {
	vm, _ := newRealm(t)
	v := mustRun(t, vm, `
function Replace(cls) { return class Replaced extends cls { kind() { return "replaced"; } }; }
class Plain { kind() { return "plain"; } }
Plain = __decorate([Replace], Plain);
new Plain().kind()`)
	if v.String() != "replaced" {
		t.Fatalf("class decorator result: got %q, want replaced", v.String())
	}
}

func TestCallbackPanicContained(t *testing.T) {
	vm, reg := newRealm(t)
	if err := reg.Register([]string{"exportRender"}, Constructor, func(Call) { panic("callback bug") }); err != nil {
		t.Fatal(err)
	}
	v := mustRun(t, vm, `
class Table { exportRender() { return 1; } }
Table = __decorate([Component({})], Table);
new Table().exportRender()`)
	if v.ToInteger() != 1 {
		t.Fatalf("instance after panicking callback: got %v", v)
	}
}
