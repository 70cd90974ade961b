package config

import (
	"errors"
	"testing"
)

func TestCheckURL(t *testing.T) {
	for _, u := range []string{"https://example.com/", "http://127.0.0.1:8080/a?b=c"} {
		if err := CheckURL(u); err != nil {
			t.Errorf("%s: %v", u, err)
		}
	}
	if err := CheckURL("file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("file url: got %v, want ErrUnsafeScheme", err)
	}
	for _, u := range []string{"", "https://", "example.com/page", "http://[::1"} {
		if err := CheckURL(u); err == nil {
			t.Errorf("%q: want error", u)
		}
	}
}

func TestCheckID(t *testing.T) {
	for _, id := range []string{"home", "landing-v2", "0193c5e2-7a41-7c3e-9b1f-3d2a1c0e4f55", "a.b_c"} {
		if err := CheckID(id); err != nil {
			t.Errorf("%s: %v", id, err)
		}
	}
	long := make([]byte, maxIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	for _, id := range []string{"", "a/b", "with space", "é", string(long)} {
		if err := CheckID(id); err == nil {
			t.Errorf("%q: want error", id)
		}
	}
}

func TestPageConfig_Check(t *testing.T) {
	ok := PageConfig{ID: "home", URL: "https://example.com/", StealthLevel: "auto"}
	if err := ok.Check(); err != nil {
		t.Fatal(err)
	}
	bad := ok
	bad.StealthLevel = "3"
	if err := bad.Check(); err == nil {
		t.Error("stealth level 3 accepted")
	}
	bad = ok
	bad.ID = "a b"
	if err := bad.Check(); err == nil {
		t.Error("bad id accepted")
	}
}
