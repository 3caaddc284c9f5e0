package instanceid

import (
	"context"
	"sync"
)

// InstanceFuture is the deferred result of GetInstanceAsync.
type InstanceFuture struct {
	done     chan struct{}
	once     sync.Once
	instance *AppInstance
	err      *MessagingError
}

func newInstanceFuture() *InstanceFuture {
	return &InstanceFuture{done: make(chan struct{})}
}

// NewResolvedFuture returns an already-settled future, for alternative
// Manager implementations and tests.
func NewResolvedFuture(instance *AppInstance, err *MessagingError) *InstanceFuture {
	f := newInstanceFuture()
	f.resolve(instance, err)
	return f
}

func (f *InstanceFuture) resolve(instance *AppInstance, err *MessagingError) {
	f.once.Do(func() {
		f.instance = instance
		f.err = err
		close(f.done)
	})
}

// Done is closed once the lookup has settled.
func (f *InstanceFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the lookup settles or ctx ends. Giving up on ctx does not
// stop the underlying request; that is bound to the ctx passed to GetInstanceAsync.
func (f *InstanceFuture) Wait(ctx context.Context) (*AppInstance, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.instance, nil
	case <-ctx.Done():
		return nil, DefaultClassifier{}.Classify(ctx.Err())
	}
}
