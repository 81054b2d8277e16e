package certbridge

import "testing"

type widget struct{ name string }

func TestTableRegisterResolve(t *testing.T) {
	tbl := NewTable[widget]()
	w := &widget{name: "a"}
	h := tbl.Register(w)

	got, ok := tbl.Resolve(h)
	if !ok {
		t.Fatal("Resolve should find a handle right after Register")
	}
	if got != w {
		t.Fatal("Resolve should return the same pointer that was registered")
	}
}

func TestTableUnregister(t *testing.T) {
	tbl := NewTable[widget]()
	w := &widget{name: "b"}
	h := tbl.Register(w)
	tbl.Unregister(h)

	if _, ok := tbl.Resolve(h); ok {
		t.Fatal("Resolve should fail for an unregistered handle")
	}
}

func TestTableUnknownHandle(t *testing.T) {
	tbl := NewTable[widget]()
	if _, ok := tbl.Resolve(Handle(12345)); ok {
		t.Fatal("Resolve should fail for a handle that was never registered")
	}
}

func TestTableDistinctHandles(t *testing.T) {
	tbl := NewTable[widget]()
	h1 := tbl.Register(&widget{name: "x"})
	h2 := tbl.Register(&widget{name: "y"})
	if h1 == h2 {
		t.Fatal("two Register calls should produce distinct handles")
	}
}
