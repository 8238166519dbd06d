package repair

import "sync"

// NotificationCallback receives every event published by this package.
// Callbacks must not retain the event's Infos map across calls.
type NotificationCallback func(*Error)

// notifier is a registry of named subscribers. Events are fire-and-forget:
// a panicking subscriber is swallowed so that error reporting can never
// abort a recovery pass.
type notifier struct {
	mu        sync.RWMutex
	callbacks map[string]NotificationCallback
}

var sharedNotifier = &notifier{
	callbacks: make(map[string]NotificationCallback),
}

// RegisterNotification installs or replaces the subscriber under name.
func RegisterNotification(name string, callback NotificationCallback) {
	sharedNotifier.mu.Lock()
	defer sharedNotifier.mu.Unlock()
	if callback == nil {
		delete(sharedNotifier.callbacks, name)
		return
	}
	sharedNotifier.callbacks[name] = callback
}

// UnregisterNotification removes the subscriber under name.
func UnregisterNotification(name string) {
	sharedNotifier.mu.Lock()
	defer sharedNotifier.mu.Unlock()
	delete(sharedNotifier.callbacks, name)
}

func notify(event *Error) {
	if event == nil {
		return
	}
	sharedNotifier.mu.RLock()
	callbacks := make([]NotificationCallback, 0, len(sharedNotifier.callbacks))
	for _, callback := range sharedNotifier.callbacks {
		callbacks = append(callbacks, callback)
	}
	sharedNotifier.mu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				_ = recover()
			}()
			callback(event)
		}()
	}
}
