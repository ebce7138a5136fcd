package core

import "sync"

// Subscription is an explicit handle for a registered callback or stream.
// Unsubscribe is idempotent; once it returns no further invocation of the
// associated callback will start.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// OnceSubscription wraps fn so repeated Unsubscribe calls run it once.
func OnceSubscription(fn func()) Subscription {
	var once sync.Once
	return SubscriptionFunc(func() { once.Do(fn) })
}
