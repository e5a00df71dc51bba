package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately, so concurrent saves of one key
// race and the last writer wins.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (any, error)) (v any, err error) {
	return fn()
}

func (n *NoOpGroup) TryDoWithLock(key string, fn func() (any, error)) (v any, err error) {
	return fn()
}
