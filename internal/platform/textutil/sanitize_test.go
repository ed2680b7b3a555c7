package textutil

import "testing"

func TestSanitizePlainText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{name: "strips markup", input: "<b>wrong</b> <script>alert(1)</script>size", want: "wrong size"},
		{name: "collapses whitespace", input: "  too\n\tsmall  ", want: "too small"},
		{name: "truncates runes", input: "반품합니다", limit: 2, want: "반품"},
		{name: "empty", input: "   ", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizePlainText(tc.input, tc.limit); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
