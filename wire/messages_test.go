package wire

import (
	"testing"

	"github.com/scalestore-go/membuf"
)

func TestEvictionRequestFullAtBatchSize(t *testing.T) {
	var r EvictionRequest
	for i := 0; i < EvictionBatchSize; i++ {
		if r.Full() {
			t.Fatalf("Full() reported true after only %d entries", i)
		}
		r.Add(EvictionEntry{PID: membuf.NewPID(0, uint64(i))})
	}
	if !r.Full() {
		t.Fatalf("Full() reported false at exactly %d entries", EvictionBatchSize)
	}
}

func TestEvictionResponseFullAtBatchSize(t *testing.T) {
	var r EvictionResponse
	for i := 0; i < EvictionBatchSize; i++ {
		if r.Full() {
			t.Fatalf("Full() reported true after only %d pids", i)
		}
		r.Add(membuf.NewPID(0, uint64(i)))
	}
	if !r.Full() {
		t.Fatalf("Full() reported false at exactly %d pids", EvictionBatchSize)
	}
}

func TestEvictionRequestAddAppendsEntry(t *testing.T) {
	var r EvictionRequest
	e := EvictionEntry{PID: membuf.NewPID(1, 2), Offset: 0x10, PVersion: 3}
	r.Add(e)
	if len(r.Entries) != 1 || r.Entries[0] != e {
		t.Fatalf("Entries = %v, want [%v]", r.Entries, e)
	}
}
