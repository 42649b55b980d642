// Package engine supervises the receiver, sender and lobby of a CMM node.
//
// Each run builds the three components through a Factory over a fresh
// cmm.Context, so no state leaks from a failed run into the next. A panic in
// a component is recovered into an error. A fatal error stops the engine;
// any other error restarts all three components, at most MaxRestarts times
// within RestartWindow.
package engine
