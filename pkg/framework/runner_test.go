package framework

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type runFunc func(context.Context) error

func (f runFunc) Run(ctx context.Context) error {
	return f(ctx)
}

func TestRunnerStop(t *testing.T) {
	r := NewRunner()
	for n := 0; n < 3; n++ {
		r.Go(runFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	}
	require.NoError(t, r.Stop())
}

func TestRunnerAggregatesErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	r := NewRunner().Go(
		NamedRun("a", runFunc(func(context.Context) error { return errA })),
		NamedRun("b", runFunc(func(context.Context) error { return errB })),
		runFunc(func(context.Context) error { return nil }),
	)
	err := r.Wait()
	require.Error(t, err)
	require.True(t, errors.Is(err, errA))
	require.True(t, errors.Is(err, errB))
}

func TestAggregatedError(t *testing.T) {
	var errs AggregatedError
	require.NoError(t, errs.Aggregate())
	errs.Add(nil, io.EOF)
	require.Equal(t, "EOF", errs.Aggregate().Error())
	errs.Add(io.ErrUnexpectedEOF)
	require.Equal(t, "Multiple errors:\nEOF\nunexpected EOF", errs.Error())
}

type blockingCloser struct {
	closed chan struct{}
}

func (c *blockingCloser) Close() error {
	close(c.closed)
	return nil
}

func TestRunWithContextCloser(t *testing.T) {
	c := &blockingCloser{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := RunWithContextCloser(ctx, c, func() error {
		<-c.closed
		return io.ErrClosedPipe
	})
	require.Equal(t, context.Canceled, err)

	c = &blockingCloser{closed: make(chan struct{})}
	err = RunWithContextCloser(context.Background(), c, func() error { return io.EOF })
	require.Equal(t, io.EOF, err)
	select {
	case <-c.closed:
	default:
		t.Fatal("closer not closed on exit")
	}
}
