package utils

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
}

func TestTruncate_keepsRunesWhole(t *testing.T) {
	// "写真" is 6 bytes; cutting at 4 must not split the second rune.
	if got := Truncate("写真.png", 4); got != "写..." {
		t.Errorf("got %q", got)
	}
}
