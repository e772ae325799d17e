package targeting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalwatch/herald/internal/db"
)

// Directory is the slice of the identity store the resolver reads.
// Membership is always re-read at resolution time, never cached.
type Directory interface {
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
	GetUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.User, error)
	TeamMemberIDs(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error)
}

// InvalidTarget reports one visibility target that referenced an unknown
// team or user. Invalid entries are skipped, never fatal.
type InvalidTarget struct {
	TargetID uuid.UUID `json:"target_id"`
	Reason   string    `json:"reason"`
}

func (t InvalidTarget) String() string {
	return fmt.Sprintf("%s: %s", t.TargetID, t.Reason)
}

// Result is the outcome of one resolution: the deduplicated recipient
// set plus any targets that could not be resolved.
type Result struct {
	UserIDs []uuid.UUID
	Invalid []InvalidTarget
}

// Resolver computes the recipient set for an alert's visibility
type Resolver struct {
	directory Directory
	logger    *zap.Logger
}

// NewResolver creates a targeting resolver
func NewResolver(directory Directory, logger *zap.Logger) *Resolver {
	return &Resolver{
		directory: directory,
		logger:    logger,
	}
}

// Resolve computes the exact recipient set for the alert from the
// current membership snapshot. It has no side effects and is safe to
// call repeatedly; two calls may differ only because membership changed.
func (r *Resolver) Resolve(ctx context.Context, alert *db.Alert) (*Result, error) {
	var result *Result
	var err error

	switch alert.VisibilityType {
	case db.VisibilityOrganization:
		result, err = r.resolveOrganization(ctx)
	case db.VisibilityTeam:
		result, err = r.resolveTeams(ctx, alert.TargetIDs)
	case db.VisibilityUser:
		result, err = r.resolveUsers(ctx, alert.TargetIDs)
	default:
		return nil, fmt.Errorf("unknown visibility type %q", alert.VisibilityType)
	}
	if err != nil {
		return nil, err
	}

	for _, invalid := range result.Invalid {
		r.logger.Warn("skipping invalid target",
			zap.String("alert_id", alert.ID.String()),
			zap.String("target_id", invalid.TargetID.String()),
			zap.String("reason", invalid.Reason),
		)
	}

	sortIDs(result.UserIDs)

	return result, nil
}

func (r *Resolver) resolveOrganization(ctx context.Context) (*Result, error) {
	ids, err := r.directory.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return &Result{UserIDs: dedupe(ids)}, nil
}

func (r *Resolver) resolveTeams(ctx context.Context, teamIDs []uuid.UUID) (*Result, error) {
	result := &Result{}
	seen := make(map[uuid.UUID]struct{})

	for _, teamID := range dedupe(teamIDs) {
		members, err := r.directory.TeamMemberIDs(ctx, teamID)
		if errors.Is(err, db.ErrNotFound) {
			result.Invalid = append(result.Invalid, InvalidTarget{
				TargetID: teamID,
				Reason:   "team not found",
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("team members %s: %w", teamID, err)
		}

		// Overlapping memberships collapse; a user in two targeted
		// teams resolves once.
		for _, id := range members {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			result.UserIDs = append(result.UserIDs, id)
		}
	}

	return result, nil
}

func (r *Resolver) resolveUsers(ctx context.Context, userIDs []uuid.UUID) (*Result, error) {
	wanted := dedupe(userIDs)

	users, err := r.directory.GetUsersByIDs(ctx, wanted)
	if err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}

	known := make(map[uuid.UUID]struct{}, len(users))
	for _, u := range users {
		known[u.ID] = struct{}{}
	}

	result := &Result{}
	for _, id := range wanted {
		if _, ok := known[id]; ok {
			result.UserIDs = append(result.UserIDs, id)
		} else {
			result.Invalid = append(result.Invalid, InvalidTarget{
				TargetID: id,
				Reason:   "user not found",
			})
		}
	}

	return result, nil
}

// AppliesTo reports whether an alert's visibility includes the user.
// This is the inverse of Resolve, used when listing one user's alerts.
func AppliesTo(alert *db.Alert, user *db.User) bool {
	switch alert.VisibilityType {
	case db.VisibilityOrganization:
		return true
	case db.VisibilityTeam:
		for _, target := range alert.TargetIDs {
			for _, teamID := range user.TeamIDs {
				if target == teamID {
					return true
				}
			}
		}
	case db.VisibilityUser:
		for _, target := range alert.TargetIDs {
			if target == user.ID {
				return true
			}
		}
	}
	return false
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
