package wire

import (
	"strings"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 8 * time.Second}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: want %v, got %v", i, w, got)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("want base delay after reset, got %v", got)
	}
}

func TestNewDialerDerivesSessionURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://sync.example.com", "wss://sync.example.com/runtime/session?app_id=my-app"},
		{"http://localhost:8080", "ws://localhost:8080/runtime/session?app_id=my-app"},
		{"wss://sync.example.com", "wss://sync.example.com/runtime/session?app_id=my-app"},
	}
	for _, tc := range tests {
		d, err := NewDialer(tc.base, "my-app")
		if err != nil {
			t.Fatalf("NewDialer(%q): %v", tc.base, err)
		}
		ws, ok := d.(*wsDialer)
		if !ok {
			t.Fatalf("want *wsDialer, got %T", d)
		}
		if ws.baseURL != tc.want {
			t.Fatalf("NewDialer(%q): want url %q, got %q", tc.base, tc.want, ws.baseURL)
		}
	}
}

func TestNewDialerRejectsUnparseableURL(t *testing.T) {
	if _, err := NewDialer("://not a url", "app"); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("want parse error, got %v", err)
	}
}

func TestMessageOp(t *testing.T) {
	if op := (Message{"op": "init-ok"}).Op(); op != "init-ok" {
		t.Fatalf("want init-ok, got %q", op)
	}
	if op := (Message{}).Op(); op != "" {
		t.Fatalf("want empty op for missing discriminator, got %q", op)
	}
}
