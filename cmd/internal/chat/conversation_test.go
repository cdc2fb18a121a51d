package chat

import "testing"

func TestParseVersion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		base   string
		n      int
		isVers bool
	}{
		{in: "chat_001", base: "chat_001", n: 1, isVers: false},
		{in: "chat_001_v2", base: "chat_001", n: 2, isVers: true},
		{in: "chat_001_v17", base: "chat_001", n: 17, isVers: true},
		{in: "chat_001_v1", base: "chat_001_v1", n: 1, isVers: false},
		{in: "chat_001_v", base: "chat_001_v", n: 1, isVers: false},
		{in: "chat_001_vx", base: "chat_001_vx", n: 1, isVers: false},
		{in: "_v3", base: "_v3", n: 1, isVers: false},
		{in: "", base: "", n: 1, isVers: false},
	}

	for _, tc := range cases {
		base, n, ok := ParseVersion(tc.in)
		if base != tc.base || n != tc.n || ok != tc.isVers {
			t.Fatalf("ParseVersion(%q)=(%q,%d,%v) want=(%q,%d,%v)", tc.in, base, n, ok, tc.base, tc.n, tc.isVers)
		}
	}
}

func TestVersionIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := VersionID("chat_001", 4)
	if id != "chat_001_v4" {
		t.Fatalf("VersionID=%q want=chat_001_v4", id)
	}
	if got := BaseID(id); got != "chat_001" {
		t.Fatalf("BaseID(%q)=%q want=chat_001", id, got)
	}
	if !IsVersion(id) || IsVersion("chat_001") {
		t.Fatalf("IsVersion mismatch")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	src := []Message{{ID: "a", Role: RoleUser, Content: "hi"}}
	dst := Clone(src)
	dst[0].Content = "changed"
	if src[0].Content != "hi" {
		t.Fatalf("Clone shares backing array")
	}
	if Clone(nil) != nil {
		t.Fatalf("Clone(nil) should stay nil")
	}
	if IndexOf(src, "a") != 0 || IndexOf(src, "b") != -1 {
		t.Fatalf("IndexOf mismatch")
	}
}
