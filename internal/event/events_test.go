package event

import (
	"testing"
)

func TestType_Matches(t *testing.T) {
	tests := []struct {
		name string
		mask Type
		ev   Type
		want bool
	}{
		{"market data mask", TypeMarketData, TypeMarketData, true},
		{"market data vs processor", TypeMarketData, Processor(SubKindTrade), false},
		{"processor category, any sub-kind", TypeProcessor, Processor(SubKindTrade), true},
		{"processor sub-kind match", Processor(SubKindTrade), Processor(SubKindTrade), true},
		{"processor sub-kind mismatch", Processor(SubKindTrade), Processor(SubKindOrderReport), false},
		{"all matches market data", TypeAll, TypeMarketData, true},
		{"all matches processor", TypeAll, Processor(SubKindTimer), true},
		{"zero mask matches nothing", 0, TypeMarketData, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mask.Matches(tt.ev); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNewProcessor(t *testing.T) {
	called := false
	ev := NewProcessor(func(Event) { called = true }, SubKindCustom, "a", 2)

	if ev.IsMarketData() {
		t.Error("Processor event should not be market data")
	}
	if ev.Type.SubKind() != SubKindCustom {
		t.Errorf("Expected sub-kind %d, got %d", SubKindCustom, ev.Type.SubKind())
	}
	ev.Handler(ev)
	if !called {
		t.Error("Handler should be callable")
	}
}
