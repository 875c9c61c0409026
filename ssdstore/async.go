package ssdstore

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// WriteRequest is one page submitted to the async write buffer, tagged
// with a caller-supplied token (the page provider passes the frame and
// its pid) so the
// page provider can match completions back to frames without holding a
// channel open per request.
type WriteRequest struct {
	Slot  uint64
	Data  []byte
	Token interface{}
}

// WriteCompletion reports one finished async write.
type WriteCompletion struct {
	Token interface{}
	Err   error
}

// AsyncWriteBuffer is a submit-then-poll write ring over the O_DIRECT
// file: a bounded worker pool performs the writes and a completion
// channel carries results back, which the caller drains non-blockingly so
// its own loop never stalls on I/O.
type AsyncWriteBuffer struct {
	file *File
	sem  *semaphore.Weighted
	done chan WriteCompletion
	wg   sync.WaitGroup
}

// NewAsyncWriteBuffer bounds outstanding writes at maxOutstanding.
func NewAsyncWriteBuffer(file *File, maxOutstanding int) *AsyncWriteBuffer {
	return &AsyncWriteBuffer{
		file: file,
		sem:  semaphore.NewWeighted(int64(maxOutstanding)),
		done: make(chan WriteCompletion, maxOutstanding),
	}
}

// Submit enqueues a page write; it blocks only if maxOutstanding writes
// are already in flight.
func (a *AsyncWriteBuffer) Submit(ctx context.Context, req WriteRequest) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.sem.Release(1)
		err := a.file.WritePage(req.Slot, req.Data)
		a.done <- WriteCompletion{Token: req.Token, Err: err}
	}()
	return nil
}

// PollCompletions drains every completion currently available without
// blocking.
func (a *AsyncWriteBuffer) PollCompletions() []WriteCompletion {
	var out []WriteCompletion
	for {
		select {
		case c := <-a.done:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Close waits for every outstanding write to finish.
func (a *AsyncWriteBuffer) Close() { a.wg.Wait() }

// ReadRequest is one page requested from the async read buffer (used when
// a PRS/PRX handler finds a frame whose bytes were spilled to SSD and
// needs them back in DRAM before retrying the request; the frame stays in
// IO_SSD state while the read is outstanding).
type ReadRequest struct {
	Slot  uint64
	Dst   []byte
	Token interface{}
}

// ReadCompletion reports one finished async read.
type ReadCompletion struct {
	Token interface{}
	Err   error
}

// AsyncReadBuffer mirrors AsyncWriteBuffer for the read side.
type AsyncReadBuffer struct {
	file *File
	sem  *semaphore.Weighted
	done chan ReadCompletion
	wg   sync.WaitGroup
}

// NewAsyncReadBuffer bounds outstanding reads at maxOutstanding.
func NewAsyncReadBuffer(file *File, maxOutstanding int) *AsyncReadBuffer {
	return &AsyncReadBuffer{
		file: file,
		sem:  semaphore.NewWeighted(int64(maxOutstanding)),
		done: make(chan ReadCompletion, maxOutstanding),
	}
}

// Submit enqueues a page read.
func (a *AsyncReadBuffer) Submit(ctx context.Context, req ReadRequest) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.sem.Release(1)
		err := a.file.ReadPage(req.Slot, req.Dst)
		a.done <- ReadCompletion{Token: req.Token, Err: err}
	}()
	return nil
}

// PollCompletions drains every completion currently available.
func (a *AsyncReadBuffer) PollCompletions() []ReadCompletion {
	var out []ReadCompletion
	for {
		select {
		case c := <-a.done:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Close waits for every outstanding read to finish.
func (a *AsyncReadBuffer) Close() { a.wg.Wait() }
