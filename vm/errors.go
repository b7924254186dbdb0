package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrMemory is raised when an allocation cannot be satisfied even after
	// an emergency collection.
	ErrMemory = errors.New("not enough memory")

	// ErrStackOverflow is raised when a thread's stack or the call depth
	// exceeds its limit.
	ErrStackOverflow = errors.New("stack overflow")

	// ErrGCBusy is returned by collector controls invoked while a
	// finalizer is running.
	ErrGCBusy = errors.New("collector is running a finalizer")

	// ErrClosed is returned when a closed State is used.
	ErrClosed = errors.New("state is closed")
)

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// RuntimeError is an error raised by running code. Value is the error
// object as seen by the runtime.
type RuntimeError struct {
	Value Value
	msg   string
}

func (e *RuntimeError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.Value.String()
}

func runtimeErrorf(format string, args ...any) *RuntimeError {
	return &RuntimeError{msg: fmt.Sprintf(format, args...)}
}

// InternalError reports a broken collector or stack invariant. It is raised
// by panic and is never recovered by protected calls.
type InternalError struct {
	What string
}

func (e *InternalError) Error() string {
	return "lumen: internal error: " + e.What
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// thrown carries an error up the Go stack to the nearest protected
// boundary. Allocation can fail deep inside table or stack code where
// threading an error return through every caller is impractical.
type thrown struct {
	err error
}

func (t *thrown) Error() string { return t.err.Error() }
func (t *thrown) Unwrap() error { return t.err }

func throw(err error) {
	panic(&thrown{err: err})
}

// catch runs fn and converts a thrown error into a return value. Any other
// panic, including *InternalError, keeps unwinding.
func catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(*thrown)
			if !ok {
				panic(r)
			}
			err = t.err
		}
	}()
	fn()
	return nil
}

func (g *State) assert(cond bool, format string, args ...any) {
	if g.checks && !cond {
		panic(&InternalError{What: fmt.Sprintf(format, args...)})
	}
}
