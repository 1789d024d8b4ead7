// Package conflict decides which side wins when a task changed both locally
// and in Planner since the last sync.
//
// The policy is last-write-wins on whole tasks. The losing version is
// discarded entirely; fields it changed that the winner did not are not
// merged.
package conflict

import (
	"time"

	"github.com/annika-hq/plannersync/internal/types"
)

// DefaultGrace is the window within which edits count as simultaneous.
const DefaultGrace = 30 * time.Second

// Winner identifies the version to keep.
type Winner int

const (
	RemoteWins Winner = iota
	LocalWins
)

func (w Winner) String() string {
	if w == LocalWins {
		return "local"
	}
	return "remote"
}

// Reason explains a decision, for logs and metrics.
type Reason string

const (
	ReasonMissingTimestamp Reason = "missing_timestamp"
	ReasonWithinGrace      Reason = "within_grace"
	ReasonLocalNewer       Reason = "local_newer"
	ReasonRemoteNewer      Reason = "remote_newer"
)

// Decision is the outcome of Resolve.
type Decision struct {
	Winner Winner
	Reason Reason
	// Delta is local minus remote modification time (zero when unknown).
	Delta time.Duration
}

// Resolver applies the timestamp policy.
type Resolver struct {
	Grace time.Duration
}

// New returns a Resolver; a non-positive grace means DefaultGrace.
func New(grace time.Duration) *Resolver {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Resolver{Grace: grace}
}

// Resolve compares local modified_at with remote lastModifiedDateTime.
// Missing or unparsable timestamps and edits closer than Grace favour the
// remote side; otherwise the strictly later edit wins.
func (r *Resolver) Resolve(local *types.LocalTask, remote *types.RemoteTask) Decision {
	lt, lok := local.ModifiedTime()
	rt, rok := remote.ModifiedTime()
	return r.decide(lt, lok, rt, rok)
}

// ResolveTimes is Resolve on raw timestamps.
func (r *Resolver) ResolveTimes(localModified, remoteModified string) Decision {
	lt, lok := types.ParseTimestamp(localModified)
	rt, rok := types.ParseTimestamp(remoteModified)
	return r.decide(lt, lok, rt, rok)
}

func (r *Resolver) decide(lt time.Time, lok bool, rt time.Time, rok bool) Decision {
	if !lok || !rok {
		return Decision{Winner: RemoteWins, Reason: ReasonMissingTimestamp}
	}
	delta := lt.Sub(rt)
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < r.Grace:
		return Decision{Winner: RemoteWins, Reason: ReasonWithinGrace, Delta: delta}
	case delta > 0:
		return Decision{Winner: LocalWins, Reason: ReasonLocalNewer, Delta: delta}
	default:
		return Decision{Winner: RemoteWins, Reason: ReasonRemoteNewer, Delta: delta}
	}
}
