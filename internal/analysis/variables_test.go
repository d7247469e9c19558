package analysis

import (
	"strings"
	"testing"
)

func TestResolveVariables(t *testing.T) {
	cols := []string{"GV1", "GV2", "CT1", "GV10", "CT2", "note_id"}
	got, err := ResolveVariables([]string{"CT2", "GV?", "GV*", "CT1"}, cols, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s := strings.Join(got, ","); s != "CT2,GV1,GV2,GV10,CT1" {
		t.Fatalf("got %s", s)
	}
}

func TestResolveVariables_Exclude(t *testing.T) {
	cols := []string{"GV1", "GV2", "note_id", "row_id"}
	got, err := ResolveVariables([]string{"*"}, cols, []string{"*_id"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s := strings.Join(got, ","); s != "GV1,GV2" {
		t.Fatalf("got %s", s)
	}
}

func TestResolveVariables_Errors(t *testing.T) {
	cols := []string{"GV1"}
	if _, err := ResolveVariables([]string{"XX"}, cols, nil); err == nil {
		t.Fatal("expected unknown variable error")
	}
	if _, err := ResolveVariables([]string{"CT*"}, cols, nil); err == nil {
		t.Fatal("expected no-match error")
	}
	if _, err := ResolveVariables([]string{"GV[1"}, cols, nil); err == nil {
		t.Fatal("expected bad pattern error")
	}
}
