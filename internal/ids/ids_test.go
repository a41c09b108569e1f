package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base.Add(time.Millisecond))
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if !Valid(a) || !Valid(New()) {
		t.Fatal("generated id rejected")
	}
	for _, bad := range []string{"", "clinic-a", "../../etc/passwd", "01HZX3J5W9Q6N8K2M4P7R1T3V"} {
		if Valid(bad) {
			t.Fatalf("accepted %q", bad)
		}
	}
}
