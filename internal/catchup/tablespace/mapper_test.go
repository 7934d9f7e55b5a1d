package tablespace

import "testing"

func TestNewMapParsesPairs(t *testing.T) {
	m, err := NewMap([]string{"/src/ts1=/dst/ts1", "/src/ts2=/dst/ts2"})
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	if got, mapped := m.Resolve("/src/ts1"); !mapped || got != "/dst/ts1" {
		t.Errorf("Resolve(/src/ts1) = %q, %v", got, mapped)
	}
	if got, mapped := m.Resolve("/src/unknown"); mapped || got != "/src/unknown" {
		t.Errorf("Resolve(/src/unknown) = %q, %v, want unmapped passthrough", got, mapped)
	}
}

func TestNewMapRejectsMalformedAndDuplicate(t *testing.T) {
	if _, err := NewMap([]string{"noequals"}); err == nil {
		t.Fatal("expected error for malformed pair")
	}
	if _, err := NewMap([]string{"/a=/b", "/a=/c"}); err == nil {
		t.Fatal("expected error for duplicate source")
	}
}

func TestValidateLocalSourceFatalOnUnmapped(t *testing.T) {
	m, _ := NewMap([]string{"/src/ts1=/dst/ts1"})
	if _, err := m.Validate([]string{"/src/ts1", "/src/ts2"}, true); err == nil {
		t.Fatal("expected error for unmapped tablespace on local source")
	}
}

func TestValidateRemoteSourceWarnsOnUnmapped(t *testing.T) {
	m, _ := NewMap([]string{"/src/ts1=/dst/ts1"})
	warnings, err := m.Validate([]string{"/src/ts1", "/src/ts2"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || warnings[0].SourceTarget != "/src/ts2" {
		t.Fatalf("warnings = %+v, want one entry for /src/ts2", warnings)
	}
}

func TestNilMapTreatsEverythingUnmapped(t *testing.T) {
	var m *Map
	if got, mapped := m.Resolve("/src/ts1"); mapped || got != "/src/ts1" {
		t.Errorf("nil map Resolve = %q, %v", got, mapped)
	}
	if m.Len() != 0 {
		t.Errorf("nil map Len() = %d, want 0", m.Len())
	}
}
