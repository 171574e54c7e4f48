// Package stream assembles a streamed LLM answer from its fragments.
//
// A Source yields fragments in arrival order. The Assembler appends them to an
// accumulator, reports every intermediate state through an update hook for live display,
// and hands the complete text to the response parser once the source signals the end.
// A transport error or a cancelled context ends the run without parsing anything.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/parser"
)

// Source delivers the fragments of one request. Next returns io.EOF after the last
// fragment. Close releases the underlying handle and may be called more than once.
type Source interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// State of an Assembler
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotIdle   = errors.New("stream: assembler already used")
	ErrCancelled = errors.New("stream: cancelled")
)

// Option configures an Assembler
type Option func(*Assembler)

// WithUpdateHook registers fn to receive the accumulated text after every fragment.
// fn runs on the goroutine calling Run, in fragment order.
func WithUpdateHook(fn func(partial string)) Option {
	return func(a *Assembler) {
		a.onUpdate = fn
	}
}

// Assembler accumulates one streamed response. It is single use: Run may only be
// called once.
type Assembler struct {
	mu       sync.Mutex
	state    State
	buf      strings.Builder
	onUpdate func(partial string)
}

// NewAssembler returns an idle Assembler
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes src until it is exhausted, fails, or ctx is done, and always closes src.
// On success the accumulated text is parsed and returned. On failure the transport error
// is returned as is; on cancellation the error wraps ErrCancelled.
func (a *Assembler) Run(ctx context.Context, src Source) (parser.Result, error) {
	defer func() {
		if err := src.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing fragment source failed")
		}
	}()

	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return parser.Result{}, ErrNotIdle
	}
	a.state = StateStreaming
	a.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return parser.Result{}, a.cancel(err)
		}

		fragment, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			if fragment != "" {
				a.append(fragment)
			}
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return parser.Result{}, a.cancel(ctxErr)
			}
			a.setState(StateFailed)
			return parser.Result{}, err
		}
		a.append(fragment)
	}

	result := parser.Parse(a.Partial())
	a.setState(StateCompleted)
	return result, nil
}

// State returns the current state
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Partial returns the text accumulated so far
func (a *Assembler) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

func (a *Assembler) append(fragment string) {
	a.mu.Lock()
	a.buf.WriteString(fragment)
	partial := a.buf.String()
	a.mu.Unlock()

	if a.onUpdate != nil {
		a.onUpdate(partial)
	}
}

func (a *Assembler) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Assembler) cancel(cause error) error {
	a.setState(StateCancelled)
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
