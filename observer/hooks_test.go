package observer

import "testing"

func TestPromptCacheHook(t *testing.T) {
	// No meter provider registered: the global noop meter still hands out
	// working instruments.
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst.PromptCache == nil {
		t.Fatal("prompt cache counter not built")
	}
	onHit, onMiss := inst.PromptCacheHook()
	if onHit == nil || onMiss == nil {
		t.Fatal("hook pair not built")
	}
	onHit()
	onMiss()
}
