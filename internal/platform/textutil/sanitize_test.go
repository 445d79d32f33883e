package textutil

import "testing"

func TestCleanText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "strips markup", input: "<b>Ivan</b> <script>alert(1)</script>Petrov", want: "Ivan Petrov"},
		{name: "keeps ampersand", input: "Smith & Co", want: "Smith & Co"},
		{name: "collapses whitespace", input: "  Anna \n\t Sidorova ", want: "Anna Sidorova"},
		{name: "composes to NFC", input: "école", want: "école"},
		{name: "empty", input: "   ", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanText(tc.input); got != tc.want {
				t.Fatalf("CleanText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := DigitsOnly("77-07 083 893"); got != "7707083893" {
		t.Fatalf("unexpected digits %q", got)
	}
	if got := DigitsOnly("n/a"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
