package checksum

import "testing"

func TestSumKnownValue(t *testing.T) {
	got := Sum([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Sum = %q, want %q", got, want)
	}
}

func TestFieldsSeparatesParts(t *testing.T) {
	if Fields("ab", "c") == Fields("a", "bc") {
		t.Error("part boundaries must change the digest")
	}
	if Fields("x", "y") != Fields("x", "y") {
		t.Error("digest must be deterministic")
	}
}

func TestShort(t *testing.T) {
	sum := Sum([]byte("abc"))
	if got := Short(sum, 8); got != "ba7816bf" {
		t.Errorf("Short = %q", got)
	}
	if got := Short(sum, 0); got != sum {
		t.Error("n <= 0 should return the full digest")
	}
}
