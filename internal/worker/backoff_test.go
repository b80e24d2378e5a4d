package worker

import "testing"

func TestBackoffSeconds(t *testing.T) {
	cases := []struct {
		attempt int
		want    int
	}{
		{0, 1},
		{1, 2},
		{2, 4},
		{3, 8},
		{4, 16},
		{5, 32},
		{6, 60},
		{10, 60},
	}
	for _, c := range cases {
		if got := backoffSeconds(c.attempt); got != c.want {
			t.Errorf("backoffSeconds(%d) = %d, want %d", c.attempt, got, c.want)
		}
	}
}
