package opstate

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := NewStore(DriverPureGo, dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetUpsert(t *testing.T) {
	s := testStore(t)

	for _, v := range []string{"v1", "v2"} {
		if err := s.Set(NamespaceSensor, "driver", v); err != nil {
			t.Fatalf("Set(%s) error: %v", v, err)
		}
	}

	val, err := s.Get(NamespaceSensor, "driver")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want v2", val)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	s := testStore(t)

	type record struct {
		Temperature float64 `json:"temperature"`
		Humidity    float64 `json:"humidity"`
	}

	var missing record
	if ok, err := s.GetJSON(NamespaceSensor, "last_reading", &missing); ok || err != nil {
		t.Fatalf("GetJSON(missing) = %v, %v", ok, err)
	}

	if err := s.SetJSON(NamespaceSensor, "last_reading", record{21.5, 48}); err != nil {
		t.Fatalf("SetJSON() error: %v", err)
	}
	var got record
	ok, err := s.GetJSON(NamespaceSensor, "last_reading", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON() = %v, %v", ok, err)
	}
	if got.Temperature != 21.5 || got.Humidity != 48 {
		t.Errorf("GetJSON() = %+v", got)
	}

	if err := s.Set(NamespaceSensor, "broken", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJSON(NamespaceSensor, "broken", &got); err == nil {
		t.Error("GetJSON() on malformed value should fail")
	}
}

func TestDeleteAndIsolation(t *testing.T) {
	s := testStore(t)

	if err := s.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if err := s.Set(NamespaceSensor, "k", "sensor"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(NamespaceUpdate, "k", "update"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(NamespaceSensor, "k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete(NamespaceSensor, "never-existed"); err != nil {
		t.Fatalf("Delete(missing) error: %v", err)
	}

	if v, _ := s.Get(NamespaceSensor, "k"); v != "" {
		t.Errorf("deleted key still present: %q", v)
	}
	if v, _ := s.Get(NamespaceUpdate, "k"); v != "update" {
		t.Errorf("other namespace affected: %q", v)
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewStore(DriverPureGo, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set(NamespaceUpdate, "last", "staged.bin"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewStore(DriverPureGo, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if v, _ := s2.Get(NamespaceUpdate, "last"); v != "staged.bin" {
		t.Errorf("after reopen Get() = %q, want staged.bin", v)
	}
}

func TestNewStore_Errors(t *testing.T) {
	if _, err := NewStore("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Error("NewStore() with unknown driver should fail")
	}
	if _, err := NewStore(DriverPureGo, "/nonexistent/dir/state.db"); err == nil {
		t.Error("NewStore() with unwritable path should fail")
	}
}
