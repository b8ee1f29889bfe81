package pow

import (
	"errors"
	"testing"
)

func TestDifficultyCheck(t *testing.T) {
	for _, tt := range []struct {
		name   string
		d      Difficulty
		digest string
		want   bool
	}{
		{name: "zero difficulty accepts anything", d: 0, digest: "ffff", want: true},
		{name: "four bits one zero nibble", d: 4, digest: "0fff", want: true},
		{name: "four bits no zero nibble", d: 4, digest: "1fff", want: false},
		{name: "sixteen bits", d: 16, digest: "00009a82160b04436c15228c1a818cb1", want: true},
		{name: "sixteen bits short by one nibble", d: 16, digest: "0001ffff", want: false},
		{name: "ten bits partial nibble passes", d: 10, digest: "0024ffff", want: true},
		{name: "ten bits partial nibble fails", d: 10, digest: "0044ffff", want: false},
		{name: "eighteen bits", d: 18, digest: "0000230ebbf4964f", want: true},
		{name: "eighteen bits third nibble too big", d: 18, digest: "00004000", want: false},
		{name: "uppercase hex", d: 6, digest: "03AB", want: true},
		{name: "digest too short", d: 16, digest: "000", want: false},
		{name: "garbage nibble", d: 2, digest: "zz", want: false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Check(tt.digest); got != tt.want {
				t.Errorf("Difficulty(%d).Check(%q) = %v, wanted %v", tt.d, tt.digest, got, tt.want)
			}
		})
	}
}

func TestFromHexPrefixMatchesPrefixRule(t *testing.T) {
	d := FromHexPrefix(4)
	if d != 16 {
		t.Fatalf("wanted 16 bits, got %d", d)
	}

	if !Satisfies("abc123", 193903, d) {
		t.Error("nonce 193903 should satisfy a 0000 prefix for abc123")
	}

	if Satisfies("abc123", 193902, d) {
		t.Error("nonce 193902 should not satisfy a 0000 prefix for abc123")
	}
}

func TestInput(t *testing.T) {
	if got := Input("abc123", 42); got != "abc123:42" {
		t.Errorf("wanted abc123:42, got %q", got)
	}

	if got := Digest("abc123", 0); got != "1a6d312f62bc667f34dd2a30cf89fc4e6c81f749cb1b0912315536994587da35" {
		t.Errorf("unexpected digest for abc123:0: %s", got)
	}
}

func TestDifficultyValid(t *testing.T) {
	for _, d := range []Difficulty{-1, 257} {
		if err := d.Valid(); !errors.Is(err, ErrDifficultyOutOfRange) {
			t.Errorf("Difficulty(%d).Valid() = %v, wanted ErrDifficultyOutOfRange", d, err)
		}
	}

	for _, d := range []Difficulty{0, 18, 256} {
		if err := d.Valid(); err != nil {
			t.Errorf("Difficulty(%d).Valid() = %v", d, err)
		}
	}
}
