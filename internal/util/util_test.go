package util

import (
	"path/filepath"
	"testing"
)

func TestTimeID(t *testing.T) {
	id := TimeID()
	if len(id) != 16 {
		t.Fatalf("expected 16 digits, got %q (%d)", id, len(id))
	}
	for _, ch := range id {
		if ch < '0' || ch > '9' {
			t.Fatalf("non-digit in id: %q", id)
		}
	}
}

func TestValidateUserID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"alice", "alice", true},
		{"  alice  ", "alice", true},
		{"alice-42_x", "alice-42_x", true},
		{"", "", false},
		{"   ", "", false},
		{"a b", "", false},
		{"a/b", "", false},
		{`a\b`, "", false},
		{"a..b", "", false},
	}
	for _, c := range cases {
		got, err := ValidateUserID(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ValidateUserID(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("ValidateUserID(%q) should fail", c.in)
		}
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "rel/file.db"); got != filepath.Join("/base", "rel/file.db") {
		t.Fatalf("relative: got %q", got)
	}
	if got := ResolvePath("/base", "/abs/file.db"); got != filepath.Clean("/abs/file.db") {
		t.Fatalf("absolute must override base: got %q", got)
	}
}

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0] != 3 || snap[2] != 5 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
	last := r.Last(2)
	if len(last) != 2 || last[0] != 4 || last[1] != 5 {
		t.Fatalf("unexpected last: %v", last)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Fatalf("Last larger than count must cap: %v", got)
	}
}
