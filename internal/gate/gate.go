// Package gate decides whether a user has satisfied the gate channels.
//
// Classification is per channel and three-valued. A pending join request on
// a private channel counts as satisfied, and a channel the bot cannot reach
// is dropped from the blocking set instead of being held against the user.
package gate

import (
	"context"
	"errors"
	"log"

	"github.com/stellarlinkco/gatebot/internal/store"
)

// ErrChannelUnreachable means the bot itself cannot see the channel
// (wrong id, bot not an admin).
var ErrChannelUnreachable = errors.New("channel unreachable")

type Verdict int

const (
	Blocked Verdict = iota
	Satisfied
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Satisfied:
		return "satisfied"
	case Indeterminate:
		return "indeterminate"
	default:
		return "blocked"
	}
}

// Raw chat member statuses reported by Telegram.
const (
	StatusCreator       = "creator"
	StatusOwner         = "owner"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

// Status is one membership lookup result. IsMember is nil when the response
// did not carry the flag.
type Status struct {
	Raw      string
	IsMember *bool
}

// StatusQuerier looks up a user's membership in a channel.
type StatusQuerier interface {
	MemberStatus(ctx context.Context, channelID, userID int64) (Status, error)
}

// ClassifyStatus maps a successful lookup to a verdict.
func ClassifyStatus(st Status) Verdict {
	switch st.Raw {
	case StatusLeft, StatusKicked:
		return Blocked
	case StatusRestricted:
		// Restricted while still counted as a member is a mute or partial ban.
		// Otherwise it is a pending join request, and an absent flag is read
		// the same way.
		if st.IsMember != nil && *st.IsMember {
			return Blocked
		}
		return Satisfied
	default:
		return Satisfied
	}
}

// ClassifyError maps a failed lookup to a verdict.
func ClassifyError(err error) Verdict {
	if errors.Is(err, ErrChannelUnreachable) {
		return Indeterminate
	}
	return Blocked
}

// Classify queries one channel and returns the verdict for userID.
func Classify(ctx context.Context, q StatusQuerier, ch store.GateChannel, userID int64) Verdict {
	st, err := q.MemberStatus(ctx, ch.ChannelID, userID)
	if err != nil {
		v := ClassifyError(err)
		if v == Indeterminate {
			log.Printf("[gate] channel %s unreachable, skipping check for user %d: %v", ch.Label(), userID, err)
		} else {
			log.Printf("[gate] membership query failed for user %d in %s: %v", userID, ch.Label(), err)
		}
		return v
	}

	v := ClassifyStatus(st)
	switch st.Raw {
	case StatusCreator, StatusOwner, StatusAdministrator, StatusMember,
		StatusRestricted, StatusLeft, StatusKicked:
	default:
		log.Printf("[gate] unknown member status %q for user %d in %s, treating as %s", st.Raw, userID, ch.Label(), v)
	}
	return v
}

// Evaluator runs the classifier across a gate channel set.
type Evaluator struct {
	querier StatusQuerier
}

func NewEvaluator(q StatusQuerier) *Evaluator {
	return &Evaluator{querier: q}
}

// Evaluate returns the channels still blocking userID, in input order.
// Indeterminate channels are neither blocking nor counted as satisfied.
func (e *Evaluator) Evaluate(ctx context.Context, channels []store.GateChannel, userID int64) []store.GateChannel {
	var blocking []store.GateChannel
	for _, ch := range channels {
		if Classify(ctx, e.querier, ch, userID) == Blocked {
			blocking = append(blocking, ch)
		}
	}
	return blocking
}
