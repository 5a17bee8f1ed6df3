package catalog

import "testing"

func ptr(f float64) *float64 { return &f }

func TestEffectiveThroughput(t *testing.T) {
	cases := []struct {
		name     string
		deploy   Deployment
		fallback float64
		want     float64
	}{
		{"configured throughput wins", Deployment{RequestsPerSecond: ptr(5)}, 1, 5},
		{"explicit zero is preserved, not a fallback trigger", Deployment{RequestsPerSecond: ptr(0)}, 2.5, 0},
		{"negative is preserved, not a fallback trigger", Deployment{RequestsPerSecond: ptr(-1)}, 3, -1},
		{"unconfigured falls back to default", Deployment{RequestsPerSecond: nil}, 4, 4},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.deploy.EffectiveThroughput(c.fallback); got != c.want {
				t.Errorf("EffectiveThroughput(%v) = %v, want %v", c.fallback, got, c.want)
			}
		})
	}
}

func TestErrUnknownAliasMessage(t *testing.T) {
	err := ErrUnknownAlias{Alias: "gpt-ghost"}
	if err.Error() != "unknown model alias: gpt-ghost" {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}
