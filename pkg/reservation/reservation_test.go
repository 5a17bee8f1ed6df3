package reservation

import "testing"

func TestEffectiveCapacity(t *testing.T) {
	cases := []struct {
		name       string
		throughput float64
		window     string
		relaxation float64
		want       int64
		wantErr    bool
	}{
		{"one hour strict", 10, "1h", 1.0, 36000, false},
		{"one day strict", 1, "24h", 1.0, 86400, false},
		{"one week", 1, "1w", 1.0, 604800, false},
		{"relaxed burst", 10, "1h", 2.0, 72000, false},
		{"closed window", 10, "1h", 0, 0, false},
		{"bad window", 10, "not-a-window", 1.0, 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := EffectiveCapacity(c.throughput, c.window, c.relaxation)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("EffectiveCapacity(%v, %q, %v) = %d, want %d", c.throughput, c.window, c.relaxation, got, c.want)
			}
		})
	}
}

func TestInsufficientCapacityError(t *testing.T) {
	err := &InsufficientCapacity{
		CompletionWindow: "24h",
		Overloaded:       map[string]int64{"gpt-batch": 5},
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
