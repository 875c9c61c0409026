package ssdstore

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestAsyncWriteBufferSubmitThenPoll(t *testing.T) {
	f := newFromDevice(newMemDevice())
	buf := NewAsyncWriteBuffer(f, 4)
	defer buf.Close()

	data := bytes.Repeat([]byte{0x5A}, PageSize)
	if err := buf.Submit(context.Background(), WriteRequest{Slot: 1, Data: data, Token: "tok"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var completions []WriteCompletion
	deadline := time.Now().Add(time.Second)
	for len(completions) == 0 && time.Now().Before(deadline) {
		completions = buf.PollCompletions()
		if len(completions) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(completions) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(completions))
	}
	if completions[0].Err != nil {
		t.Fatalf("unexpected completion error: %v", completions[0].Err)
	}
	if completions[0].Token != "tok" {
		t.Fatalf("token mismatch: %v", completions[0].Token)
	}

	got := make([]byte, PageSize)
	if err := f.ReadPage(1, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("written page does not match submitted data")
	}
}

func TestAsyncReadBufferSubmitThenPoll(t *testing.T) {
	f := newFromDevice(newMemDevice())
	want := bytes.Repeat([]byte{0x7E}, PageSize)
	if err := f.WritePage(2, want); err != nil {
		t.Fatalf("seed page: %v", err)
	}

	buf := NewAsyncReadBuffer(f, 4)
	defer buf.Close()

	dst := make([]byte, PageSize)
	if err := buf.Submit(context.Background(), ReadRequest{Slot: 2, Dst: dst, Token: 7}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var completions []ReadCompletion
	deadline := time.Now().Add(time.Second)
	for len(completions) == 0 && time.Now().Before(deadline) {
		completions = buf.PollCompletions()
		if len(completions) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(completions) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(completions))
	}
	if completions[0].Token != 7 {
		t.Fatalf("token mismatch: %v", completions[0].Token)
	}
	if !bytes.Equal(dst, want) {
		t.Fatal("read page does not match seeded data")
	}
}
