package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned to a producer whose consumer has gone away
var ErrClosed = errors.New("stream: pipe closed")

// Pipe connects one fragment producer (an LLM streaming callback) to one consumer (an
// Assembler). Sends are unbuffered, so a fragment is only accepted once the consumer
// has taken it and ordering is exactly the order of Send calls.
type Pipe struct {
	fragments chan string
	closed    chan struct{}
	finished  chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
	err        error
}

// NewPipe returns an open Pipe
func NewPipe() *Pipe {
	return &Pipe{
		fragments: make(chan string),
		closed:    make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// Send hands one fragment to the consumer. It fails with ErrClosed once the consumer
// has closed the pipe or the producer has finished it.
func (p *Pipe) Send(ctx context.Context, fragment string) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.finished:
		return ErrClosed
	default:
	}

	select {
	case p.fragments <- fragment:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWithError ends the stream from the producer side. A nil err means the stream
// completed and the consumer sees io.EOF. Only the first call has an effect.
func (p *Pipe) CloseWithError(err error) {
	p.finishOnce.Do(func() {
		p.err = err
		close(p.finished)
	})
}

// Next implements Source
func (p *Pipe) Next(ctx context.Context) (string, error) {
	select {
	case fragment := <-p.fragments:
		return fragment, nil
	case <-p.finished:
		if p.err != nil {
			return "", p.err
		}
		return "", io.EOF
	case <-p.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close implements Source. Pending and future Sends fail with ErrClosed.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}
