package checkpoint

import "errors"

// ErrRunConflict is returned by StartOrResume when another live process
// already owns the running Run for the requested collection.
var ErrRunConflict = errors.New("another run is already open for this collection")

// ErrCheckpointUnavailable wraps any condition that prevents the durable
// store from honoring its guarantees. It is fatal to the Run: losing
// checkpoint writes silently would defeat resumability.
var ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")
