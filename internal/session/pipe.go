package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Endpoint is one side of an in-process Pipe.
type Endpoint struct {
	id   string
	in   <-chan []byte
	out  chan<- []byte
	pipe *pipe
}

type pipe struct {
	done chan struct{}
	once sync.Once
}

// Pipe returns two connected endpoints. Messages sent on one are received on
// the other. Closing either end tears down both.
func Pipe(buffer int) (*Endpoint, *Endpoint) {
	if buffer < 0 {
		buffer = 0
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	p := &pipe{done: make(chan struct{})}
	a := &Endpoint{id: uuid.NewString(), in: ba, out: ab, pipe: p}
	b := &Endpoint{id: uuid.NewString(), in: ab, out: ba, pipe: p}
	return a, b
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-e.in:
		return msg, nil
	case <-e.pipe.done:
		// Drain what the peer queued before closing.
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (e *Endpoint) Send(ctx context.Context, msg []byte) error {
	select {
	case <-e.pipe.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.pipe.done:
		return ErrClosed
	case e.out <- msg:
		return nil
	}
}

func (e *Endpoint) Done() <-chan struct{} { return e.pipe.done }

func (e *Endpoint) Close() error {
	e.pipe.once.Do(func() { close(e.pipe.done) })
	return nil
}
