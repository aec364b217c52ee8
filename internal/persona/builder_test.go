package persona

import "testing"

func TestBuilderOrdering(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "low", Priority: 1, Content: "low"})
	b.Add(Block{ID: "high", Priority: 10, Content: "high"})
	b.Add(Block{ID: "mid", Priority: 5, Content: "mid"})

	got := b.Build()
	expected := "high\n\nmid\n\nlow"
	if got != expected {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestBuilderSkipsBlankAndBreaksTiesByID(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "blank", Priority: 100, Content: "   \n"})
	b.Add(Block{ID: "b", Priority: 5, Content: "second"})
	b.Add(Block{ID: "a", Priority: 5, Content: "first"})

	got := b.Build()
	expected := "first\n\nsecond"
	if got != expected {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestBuilderEmpty(t *testing.T) {
	if got := NewBuilder().Build(); got != "" {
		t.Fatalf("expected empty build, got %q", got)
	}
}
