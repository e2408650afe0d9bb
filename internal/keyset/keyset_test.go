package keyset

import "testing"

func TestCheck(t *testing.T) {
	s := New([]string{"key-alpha", "key-beta"})

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{name: "first key", candidate: "key-alpha", want: true},
		{name: "second key", candidate: "key-beta", want: true},
		{name: "unknown key", candidate: "key-gamma", want: false},
		{name: "empty candidate", candidate: "", want: false},
		{name: "prefix only", candidate: "key-alph", want: false},
		{name: "superstring", candidate: "key-alphaX", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Check(tt.candidate); got != tt.want {
				t.Errorf("Check(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestCheckEmptySetRejectsAll(t *testing.T) {
	s := New(nil)
	if s.Check("anything") {
		t.Error("Check() on empty set = true, want false")
	}
}

func TestStatsCountsAndMasks(t *testing.T) {
	s := New([]string{"sk-long-client-key-1234"})
	s.Check("sk-long-client-key-1234")
	s.Check("sk-long-client-key-1234")

	stats := s.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() len = %d, want 1", len(stats))
	}
	if stats[0].RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", stats[0].RequestCount)
	}
	if stats[0].Key == "sk-long-client-key-1234" {
		t.Error("Stats() leaked the raw key")
	}
}
