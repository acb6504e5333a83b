package core

// Notifier is a one-way notification target. Notify must not block.
type Notifier[T any] interface {
	Notify(T)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc[T any] func(T)

func (f NotifierFunc[T]) Notify(v T) { f(v) }
