// Package connectivity tracks whether the backend is reachable.
//
// A Monitor holds the current Online/Offline state, fed either by its own
// polling loop (Run) or by any external signal source (Report). Every settled
// Offline to Online transition produces one signal on the Reconnected channel
// once the debounce window has elapsed without the state flipping back.
package connectivity
