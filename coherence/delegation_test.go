package coherence

import "testing"

func TestDelegationTableLookupMissReportsFalse(t *testing.T) {
	d := NewDelegationTable()
	if _, ok := d.Lookup(1); ok {
		t.Fatal("Lookup on an empty table reported found")
	}
}

func TestDelegationTableRegisterThenLookup(t *testing.T) {
	d := NewDelegationTable()
	want := DelegatedPeer{BMID: 7, MBOffset: 0x1000, PLOffset: 0x2000}
	d.Register(3, want)

	got, ok := d.Lookup(3)
	if !ok {
		t.Fatal("Lookup did not find a registered peer")
	}
	if got != want {
		t.Fatalf("Lookup(3) = %+v, want %+v", got, want)
	}
}

func TestDelegationTableRegisterOverwritesPreviousEntry(t *testing.T) {
	d := NewDelegationTable()
	d.Register(3, DelegatedPeer{BMID: 1})
	d.Register(3, DelegatedPeer{BMID: 2})

	got, _ := d.Lookup(3)
	if got.BMID != 2 {
		t.Fatalf("BMID = %d, want 2 (later registration should win)", got.BMID)
	}
}
