// Package conflict decides between competing writes to the same row.
package conflict

import (
	"fmt"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
)

// LastWriterWins resolves conflicts on whole rows by capture time.
//
//   - a lone record wins trivially
//   - a delete beats a create or update captured at or before it, and a
//     later create or update resurrects the row
//   - otherwise the later capturedAt wins
//   - on an exact tie the lexicographically smaller origin node id wins,
//     and records from the same origin fall back to the logical clock
type LastWriterWins struct{}

var _ changelog.Resolver = LastWriterWins{}

// New returns the resolver used by the sync engine.
func New() LastWriterWins {
	return LastWriterWins{}
}

// Resolve implements changelog.Resolver.
func (LastWriterWins) Resolve(local, remote *changelog.ChangeRecord) changelog.Resolution {
	switch {
	case local == nil && remote == nil:
		return changelog.Resolution{Winner: changelog.SideNone, Reason: "no records"}
	case remote == nil:
		return changelog.Resolution{Winner: changelog.SideLocal, Reason: "only local record"}
	case local == nil:
		return changelog.Resolution{Winner: changelog.SideRemote, Reason: "only remote record"}
	}

	localDel := local.Operation == changelog.OpDelete
	remoteDel := remote.Operation == changelog.OpDelete

	if localDel != remoteDel {
		del, other, delSide := local, remote, changelog.SideLocal
		if remoteDel {
			del, other, delSide = remote, local, changelog.SideRemote
		}
		if !other.CapturedAt.After(del.CapturedAt) {
			return changelog.Resolution{
				Winner: delSide,
				Reason: fmt.Sprintf("%s delete at %s covers %s at %s",
					delSide, stamp(del), other.Operation, stamp(other)),
			}
		}
		return changelog.Resolution{
			Winner: opposite(delSide),
			Reason: fmt.Sprintf("%s %s at %s resurrects row deleted at %s",
				opposite(delSide), other.Operation, stamp(other), stamp(del)),
		}
	}

	if !local.CapturedAt.Equal(remote.CapturedAt) {
		if local.CapturedAt.After(remote.CapturedAt) {
			return changelog.Resolution{
				Winner: changelog.SideLocal,
				Reason: fmt.Sprintf("local write at %s is newer than remote write at %s", stamp(local), stamp(remote)),
			}
		}
		return changelog.Resolution{
			Winner: changelog.SideRemote,
			Reason: fmt.Sprintf("remote write at %s is newer than local write at %s", stamp(remote), stamp(local)),
		}
	}

	if local.OriginNodeID != remote.OriginNodeID {
		if local.OriginNodeID < remote.OriginNodeID {
			return changelog.Resolution{
				Winner: changelog.SideLocal,
				Reason: fmt.Sprintf("tie at %s broken by origin %s < %s", stamp(local), local.OriginNodeID, remote.OriginNodeID),
			}
		}
		return changelog.Resolution{
			Winner: changelog.SideRemote,
			Reason: fmt.Sprintf("tie at %s broken by origin %s < %s", stamp(local), remote.OriginNodeID, local.OriginNodeID),
		}
	}

	if local.LogicalClock >= remote.LogicalClock {
		return changelog.Resolution{
			Winner: changelog.SideLocal,
			Reason: fmt.Sprintf("same origin, clock %d >= %d", local.LogicalClock, remote.LogicalClock),
		}
	}
	return changelog.Resolution{
		Winner: changelog.SideRemote,
		Reason: fmt.Sprintf("same origin, clock %d > %d", remote.LogicalClock, local.LogicalClock),
	}
}

func opposite(s changelog.Side) changelog.Side {
	if s == changelog.SideLocal {
		return changelog.SideRemote
	}
	return changelog.SideLocal
}

func stamp(r *changelog.ChangeRecord) string {
	return r.CapturedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
