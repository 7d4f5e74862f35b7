package transport

import (
	"strings"
	"testing"
)

func TestActionData(t *testing.T) {
	t.Parallel()
	id := "subscription-due-0b6b2f7c-3d2a-4d8e-9f14-5e9d6c1a2b3c"
	data, err := ActionData("paid", id)
	if err != nil {
		t.Fatalf("ActionData: %v", err)
	}
	if len(data) > MaxCallbackData {
		t.Fatalf("len = %d", len(data))
	}
	action, ident, ok := ParseActionData(data)
	if !ok || action != "paid" || ident != id {
		t.Fatalf("ParseActionData(%q) = %q %q %v", data, action, ident, ok)
	}

	if _, err := ActionData("complete", strings.Repeat("x", 60)); err != ErrCallbackTooLong {
		t.Fatalf("long data err = %v", err)
	}
	for _, bad := range []string{"", "act|paid", "menu|paid|x", "act||x", "act|paid|"} {
		if _, _, ok := ParseActionData(bad); ok {
			t.Fatalf("ParseActionData(%q) accepted", bad)
		}
	}
}
