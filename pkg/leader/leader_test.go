package leader

import "testing"

func TestDispatch(t *testing.T) {
	cases := []struct {
		mode     Mode
		isLeader bool
		want     bool
	}{
		{ModeAlways, false, true},
		{ModeAlways, true, true},
		{ModeLeader, false, false},
		{ModeLeader, true, true},
		{ModeNever, true, false},
		{ModeNever, false, false},
		{Mode("unknown"), true, false},
	}

	for _, c := range cases {
		if got := Dispatch(c.mode, c.isLeader); got != c.want {
			t.Errorf("Dispatch(%q, %v) = %v, want %v", c.mode, c.isLeader, got, c.want)
		}
	}
}
