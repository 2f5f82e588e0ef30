package ime

import "time"

// AckMode selects how reset acknowledgements are observed.
type AckMode int

const (
	// AckAuto uses AckExplicit when the transport implements
	// ResetAcknowledger and reports explicit acks, AckInferred otherwise.
	AckAuto AckMode = iota
	// AckExplicit decrements the pending count only on ResetAcknowledged.
	AckExplicit
	// AckInferred treats the next commit or composition update after a reset
	// as the acknowledgement boundary.
	AckInferred
)

// String returns the mode name used in configuration files.
func (m AckMode) String() string {
	switch m {
	case AckExplicit:
		return "explicit"
	case AckInferred:
		return "inferred"
	default:
		return "auto"
	}
}

// ParseAckMode parses "auto", "explicit" or "inferred". Unknown values map
// to AckAuto.
func ParseAckMode(s string) AckMode {
	switch s {
	case "explicit":
		return AckExplicit
	case "inferred":
		return AckInferred
	default:
		return AckAuto
	}
}

// resetCoordinator tracks resets sent to the server that have not been
// acknowledged. Commit and composition events are only admitted when nothing
// is outstanding.
type resetCoordinator struct {
	mode   AckMode
	issued []time.Time
}

// Pending returns the number of unacknowledged resets.
func (r *resetCoordinator) Pending() int {
	return len(r.issued)
}

func (r *resetCoordinator) begin(now time.Time) {
	r.issued = append(r.issued, now)
}

// acknowledge consumes the oldest outstanding reset. It reports false when
// nothing was outstanding or the coordinator does not use explicit acks.
func (r *resetCoordinator) acknowledge(now time.Time) (time.Duration, bool) {
	if r.mode != AckExplicit || len(r.issued) == 0 {
		return 0, false
	}
	return r.pop(now), true
}

// admit decides whether a commit or composition update may be delivered.
// In inferred mode each event seen while resets are outstanding consumes one
// of them; the event that consumes the last one is the boundary and is
// delivered. The returned latency is non-zero only when an ack was consumed.
func (r *resetCoordinator) admit(now time.Time) (deliver bool, latency time.Duration, acked bool) {
	if len(r.issued) == 0 {
		return true, 0, false
	}
	if r.mode != AckInferred {
		return false, 0, false
	}
	latency = r.pop(now)
	return len(r.issued) == 0, latency, true
}

// abandon forgets the most recent reset; used when it was never sent.
func (r *resetCoordinator) abandon() {
	if len(r.issued) > 0 {
		r.issued = r.issued[:len(r.issued)-1]
	}
}

// clear drops every expectation; used when the connection goes away.
func (r *resetCoordinator) clear() {
	r.issued = r.issued[:0]
}

func (r *resetCoordinator) pop(now time.Time) time.Duration {
	oldest := r.issued[0]
	r.issued = r.issued[1:]
	return now.Sub(oldest)
}
