// Package lease implements the lease lifetime policy shared by cached secrets
// and by the authentication credential.
package lease

import (
	"fmt"
	"math"
	"time"
)

// DefaultRenewFraction is the share of a lease that may elapse before a
// refresh is attempted.
const DefaultRenewFraction = 2.0 / 3.0

// State is the position of a lease in its lifetime.
type State int

const (
	// Unleased means nothing has been fetched yet.
	Unleased State = iota
	// Fresh leases are served without any network activity.
	Fresh
	// NearExpiry leases are still valid but due for a refresh.
	NearExpiry
	// Expired leases must not be served.
	Expired
)

// String returns the lower-case name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Unleased:
		return "unleased"
	case Fresh:
		return "fresh"
	case NearExpiry:
		return "near_expiry"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy decides lease states.
type Policy struct {
	// RenewFraction is in [0, 1]. Zero selects DefaultRenewFraction.
	RenewFraction float64
}

// DefaultPolicy returns the policy with the default renew fraction.
func DefaultPolicy() Policy {
	return Policy{RenewFraction: DefaultRenewFraction}
}

// Validate reports an out-of-range renew fraction.
func (p Policy) Validate() error {
	if p.RenewFraction < 0 || p.RenewFraction > 1 {
		return fmt.Errorf("renew fraction must be between 0 and 1 (0 selects the default), got %v", p.RenewFraction)
	}
	return nil
}

func (p Policy) fraction() float64 {
	if p.RenewFraction <= 0 || p.RenewFraction > 1 {
		return DefaultRenewFraction
	}
	return p.RenewFraction
}

// RenewAfter returns how long after issue a lease of the given duration
// becomes NearExpiry.
func (p Policy) RenewAfter(duration time.Duration) time.Duration {
	return time.Duration(math.Round(float64(duration) * p.fraction()))
}

// Evaluate returns the state of a lease issued at issuedAt with the given
// duration, observed at now. A zero duration never expires. A clock that
// moved backwards counts as zero elapsed time.
func (p Policy) Evaluate(leased bool, issuedAt time.Time, duration time.Duration, now time.Time) State {
	if !leased {
		return Unleased
	}
	if duration <= 0 {
		return Fresh
	}

	elapsed := now.Sub(issuedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	switch {
	case elapsed >= duration:
		return Expired
	case elapsed >= p.RenewAfter(duration):
		return NearExpiry
	default:
		return Fresh
	}
}

// Seconds converts a lease duration expressed in whole seconds, clamping
// negative values to zero.
func Seconds(n int64) time.Duration {
	if n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
