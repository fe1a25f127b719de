package pool

import (
	"fmt"
	"io"

	apperrors "github.com/memkeep/memkeep/lib/errors"
)

// Category groups teardown probes that release the same resource.
type Category string

const (
	// CategoryVector covers the vector store connection.
	CategoryVector Category = "vector"
	// CategoryDatabase covers the relational database connection or engine.
	CategoryDatabase Category = "database"
	// CategoryHandle covers resources owned by the handle itself.
	CategoryHandle Category = "handle"
)

// VectorHolder is implemented by handles that expose a vector store client.
type VectorHolder interface {
	VectorClient() any
}

// Unwrapper is implemented by clients that wrap an inner client.
type Unwrapper interface {
	Unwrap() any
}

// ConnectionHolder is implemented by handles that expose a single database
// connection (or database/sql pool).
type ConnectionHolder interface {
	DBConnection() any
}

// EngineHolder is implemented by handles that expose a pooled database engine.
type EngineHolder interface {
	DBEngine() any
}

// Disposer is implemented by engines that are released with Dispose.
type Disposer interface {
	Dispose() error
}

// Probe is one way of releasing a resource of a handle. Close reports
// whether the handle has the shape the probe looks for and, if it does,
// the error from releasing it.
type Probe struct {
	Category Category
	Name     string
	Close    func(h Handle) (matched bool, err error)
}

// DefaultProbes returns the teardown strategy for memory client handles,
// in the order the probes are tried.
func DefaultProbes() []Probe {
	return []Probe{
		{Category: CategoryVector, Name: "client", Close: closeVectorClient},
		{Category: CategoryVector, Name: "wrapped-client", Close: closeWrappedVectorClient},
		{Category: CategoryDatabase, Name: "connection", Close: closeConnection},
		{Category: CategoryDatabase, Name: "engine", Close: disposeEngine},
		{Category: CategoryHandle, Name: "self", Close: closeSelf},
	}
}

func closeVectorClient(h Handle) (bool, error) {
	vh, ok := h.(VectorHolder)
	if !ok {
		return false, nil
	}
	c, ok := vh.VectorClient().(io.Closer)
	if !ok || c == nil {
		return false, nil
	}
	return true, c.Close()
}

func closeWrappedVectorClient(h Handle) (bool, error) {
	vh, ok := h.(VectorHolder)
	if !ok {
		return false, nil
	}
	w, ok := vh.VectorClient().(Unwrapper)
	if !ok || w == nil {
		return false, nil
	}
	c, ok := w.Unwrap().(io.Closer)
	if !ok || c == nil {
		return false, nil
	}
	return true, c.Close()
}

func closeConnection(h Handle) (bool, error) {
	ch, ok := h.(ConnectionHolder)
	if !ok {
		return false, nil
	}
	c, ok := ch.DBConnection().(io.Closer)
	if !ok || c == nil {
		return false, nil
	}
	return true, c.Close()
}

func disposeEngine(h Handle) (bool, error) {
	eh, ok := h.(EngineHolder)
	if !ok {
		return false, nil
	}
	d, ok := eh.DBEngine().(Disposer)
	if !ok || d == nil {
		return false, nil
	}
	return true, d.Dispose()
}

func closeSelf(h Handle) (bool, error) {
	c, ok := h.(io.Closer)
	if !ok || c == nil {
		return false, nil
	}
	return true, c.Close()
}

// TeardownError records one failed teardown step. It is never fatal.
type TeardownError struct {
	Key      string
	Category Category
	Probe    string
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("pool: teardown %q: %s/%s: %v", e.Key, e.Category, e.Probe, e.Err)
}

// Unwrap returns the underlying error.
func (e *TeardownError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTeardown.
func (e *TeardownError) Is(target error) bool {
	return target == apperrors.ErrTeardown
}

// Teardown runs probes against h in order. Within a category it stops at
// the first probe that matches and succeeds; a category where no probe
// matches is skipped. Every failure is returned and none stops the
// remaining probes.
func Teardown(key string, h Handle, probes []Probe) []error {
	var errs []error
	done := make(map[Category]bool)

	for _, pr := range probes {
		if done[pr.Category] {
			continue
		}
		matched, err := runProbe(pr, h)
		if !matched {
			continue
		}
		if err != nil {
			errs = append(errs, &TeardownError{Key: key, Category: pr.Category, Probe: pr.Name, Err: err})
			continue
		}
		done[pr.Category] = true
	}
	return errs
}

func runProbe(pr Probe, h Handle) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return pr.Close(h)
}
