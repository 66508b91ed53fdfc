package server

import (
	"log/slog"
)

// Router delivers rendered chat lines to sessions found in the registry.
// It holds no state of its own.
type Router struct {
	registry *Registry
	log      *slog.Logger
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, log *slog.Logger) *Router {
	return &Router{registry: registry, log: log}
}

// Broadcast delivers message to every online identity except exclude and
// returns how many deliveries succeeded. A failed delivery closes that
// session; delivery to the others continues.
func (r *Router) Broadcast(message string, exclude string) int {
	targets := r.registry.recipients(exclude)

	var failed []recipient
	delivered := 0
	for _, target := range targets {
		if err := target.handle.Send(message); err != nil {
			failed = append(failed, target)
			continue
		}
		delivered++
	}

	r.log.Debug("Broadcast delivered", "targets", len(targets), "delivered", delivered)
	r.closeFailed(failed)
	return delivered
}

// DeliverPrivate sends message to recipient only. It reports false when the
// identity is offline or the delivery failed; the caller tells the sender.
func (r *Router) DeliverPrivate(recipientIdentity string, message string) bool {
	handle, err := r.registry.Lookup(recipientIdentity)
	if err != nil {
		return false
	}

	if err := handle.Send(message); err != nil {
		r.closeFailed([]recipient{{identity: recipientIdentity, handle: handle}})
		return false
	}
	return true
}

// closeFailed runs after delivery so that the "left" notices emitted by the
// closing sessions never interleave with the loop above.
func (r *Router) closeFailed(failed []recipient) {
	for _, target := range failed {
		r.log.Warn("Delivery failed; closing session", "identity", target.identity)
		target.handle.Close()
	}
}
