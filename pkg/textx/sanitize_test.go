// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestImageCountHint(t *testing.T) {
	cases := []struct {
		prompt string
		want   int
	}{
		{"生成3张猫的图片", 3},
		{"画12张不同风格的风景", 12},
		{"a cat on a roof", 0},
		{"张三的画像", 0},
		{"0张图", 0},
	}
	for _, c := range cases {
		if got := ImageCountHint(c.prompt); got != c.want {
			t.Fatalf("ImageCountHint(%q) = %d, want %d", c.prompt, got, c.want)
		}
	}
}
