package asyncmy

import "testing"

func TestRowStreamPushAndPop(t *testing.T) {
	rs := newRowStream()
	rs.setFieldNames([]string{"a", "b"})

	rs.pushRow(rowOf("x", "yy"))
	if n := rs.NumRowsSeen(); n != 1 {
		t.Fatalf("NumRowsSeen() = %d, want 1", n)
	}
	if b := rs.ResultBytes(); b != 3 {
		t.Fatalf("ResultBytes() = %d, want 3", b)
	}

	row, ok := rs.NextRow()
	if !ok {
		t.Fatal("expected a row")
	}
	if string(row.Values[0].AsString) != "x" {
		t.Fatalf("row = %+v", row)
	}

	if _, ok := rs.NextRow(); ok {
		t.Fatal("NextRow should return false once drained")
	}
}

func TestRowStreamResetForNextResultSet(t *testing.T) {
	rs := newRowStream()
	rs.setFieldNames([]string{"a"})
	rs.pushRow(rowOf("1"))
	rs.markFinished()

	rs.resetForNextResultSet()

	if got := rs.FieldNames(); got != nil {
		t.Fatalf("FieldNames() = %v, want nil after reset", got)
	}
	if rs.NumRowsSeen() != 0 {
		t.Fatalf("NumRowsSeen() = %d, want 0 after reset", rs.NumRowsSeen())
	}
	if rs.ResultBytes() != 0 {
		t.Fatalf("ResultBytes() = %d, want 0 after reset", rs.ResultBytes())
	}
	if rs.QueryFinished() {
		t.Fatal("QueryFinished() should be false after reset")
	}
	if _, ok := rs.NextRow(); ok {
		t.Fatal("NextRow should have nothing after reset")
	}
}
