package asyncmy

import "testing"

func TestInternKeySharesEqualKeys(t *testing.T) {
	k1 := InternKey(ConnectionKey{Host: "db1", Port: 3306, User: "root"})
	k2 := InternKey(ConnectionKey{Host: "db1", Port: 3306, User: "root"})
	if k1 != k2 {
		t.Fatal("InternKey should return the same pointer for equal keys")
	}

	k3 := InternKey(ConnectionKey{Host: "db2", Port: 3306, User: "root"})
	if k1 == k3 {
		t.Fatal("InternKey should return distinct pointers for distinct keys")
	}
}

func TestConnectionKeyStringOmitsPassword(t *testing.T) {
	k := ConnectionKey{Host: "db1", Port: 3306, User: "root", Database: "app", PasswordHash: "deadbeef"}
	if got := k.String(); got != "root@db1:3306/app" {
		t.Fatalf("String() = %q", got)
	}
}
