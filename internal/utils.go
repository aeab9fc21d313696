// Package internal holds helpers shared by every replog package.
package internal

import (
	"context"
	"fmt"
)

// CtxKey is a context key bound to the type of the value stored under it. Two keys with the same name but different
// types never collide.
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("CtxKey[%T](%s)", *new(T), k.name)
}

// SetCtxKey returns a copy of ctx carrying value under key.
func SetCtxKey[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// GetCtxKey returns the value stored under key and whether it was set.
func GetCtxKey[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

// MustGetCtxKey is GetCtxKey for values a caller up the stack is required to set. It panics if the value is missing.
func MustGetCtxKey[T any](ctx context.Context, key CtxKey[T]) T {
	value, ok := GetCtxKey(ctx, key)
	if !ok {
		panic(fmt.Sprintf("required %s not found in context", key))
	}
	return value
}
