package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// The directory is read-only identity data: herald never writes users,
// teams or memberships, it only resolves them while targeting.

const userColumns = `id, name, email, phone, is_admin, created_at`

func scanUser(row scanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.Phone,
		&u.IsAdmin,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// memberships loads team ids per user. A nil filter loads all rows.
func (r *Repository) memberships(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	query := `SELECT user_id, team_id FROM team_members`
	var args []any
	if userIDs != nil {
		query += ` WHERE user_id = ANY($1::uuid[])`
		args = append(args, uuidStrings(userIDs))
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	byUser := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var userID, teamID uuid.UUID
		if err := rows.Scan(&userID, &teamID); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		byUser[userID] = append(byUser[userID], teamID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return byUser, nil
}

func (r *Repository) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return users, nil
}

// ListUserIDs returns the identifiers of every known user. This is the
// organization-visibility snapshot; it is taken fresh per resolution.
func (r *Repository) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// ListUsers retrieves all users with their team memberships
func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	users, err := r.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}

	byUser, err := r.memberships(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		u.TeamIDs = byUser[u.ID]
	}

	return users, nil
}

// GetUser retrieves a single user with team memberships
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	byUser, err := r.memberships(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	u.TeamIDs = byUser[id]

	return u, nil
}

// GetUsersByIDs retrieves the users that exist among the given ids.
// Unknown ids are simply absent from the result; the caller compares.
func (r *Repository) GetUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1::uuid[])`
	users, err := r.queryUsers(ctx, query, uuidStrings(ids))
	if err != nil {
		return nil, err
	}

	if len(users) > 0 {
		byUser, err := r.memberships(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			u.TeamIDs = byUser[u.ID]
		}
	}

	return users, nil
}

// TeamMemberIDs returns the member ids of a team, or ErrNotFound when
// the team itself does not exist. An existing empty team returns nil.
func (r *Repository) TeamMemberIDs(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE id = $1)`, teamID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query team: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}

	rows, err := r.db.Pool().Query(ctx, `SELECT user_id FROM team_members WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query team members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// ListTeams retrieves all teams with member counts
func (r *Repository) ListTeams(ctx context.Context) ([]*Team, error) {
	query := `
		SELECT t.id, t.name, COUNT(tm.user_id), t.created_at
		FROM teams t
		LEFT JOIN team_members tm ON tm.team_id = t.id
		GROUP BY t.id, t.name, t.created_at
		ORDER BY t.name ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.MemberCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return teams, nil
}
