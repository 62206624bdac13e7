package server

import "testing"

func TestShouldSkipServiceKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/bridge/lark/callback", want: true},
		{path: "/bridge/telegram/callback", want: true},
		{path: "/bridge/internal/send", want: false},
		{path: "/bridge/internal/callback", want: false},
		{path: "/bridge/mappings", want: false},
		{path: "/bridge/mappings/abc/callback", want: false},
		{path: "/bridge/lark", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipServiceKey(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
