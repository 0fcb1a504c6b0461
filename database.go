package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"criticalsys.net/entragov/internal/governance"
)

// ErrNoSnapshot is returned when a cache file holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot found in cache")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (runId TEXT PRIMARY KEY, tenantId TEXT, fetchedAt TEXT NOT NULL, rolesUnavailable INTEGER NOT NULL DEFAULT 0);`,
	`CREATE TABLE IF NOT EXISTS entraGroups (
		runId TEXT NOT NULL,
		id TEXT NOT NULL,
		displayName TEXT,
		description TEXT,
		groupTypes TEXT,
		securityEnabled INTEGER,
		mailEnabled INTEGER,
		isAssignableToRole INTEGER,
		createdAt TEXT,
		lastRenewedAt TEXT,
		onPremSynced INTEGER,
		memberCount INTEGER,
		ownerCount INTEGER,
		guestCount INTEGER,
		partial TEXT,
		PRIMARY KEY (runId, id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_groupName ON entraGroups (displayName);`,
	`CREATE TABLE IF NOT EXISTS roleMembers (runId TEXT NOT NULL, groupId TEXT NOT NULL, roleName TEXT NOT NULL);`,
	`CREATE INDEX IF NOT EXISTS idx_roleMembers ON roleMembers (runId, groupId);`,
	`CREATE TABLE IF NOT EXISTS activitySignals (runId TEXT NOT NULL, groupId TEXT NOT NULL, source TEXT NOT NULL, field TEXT, at TEXT NOT NULL);`,
	`CREATE INDEX IF NOT EXISTS idx_activitySignals ON activitySignals (runId, groupId);`,
}

func setupDatabase(ctx context.Context, dbName string, logger *slog.Logger) (*sql.DB, error) {
	// Add pragma for performance, accepting the risk of DB corruption on crash.
	dsn := fmt.Sprintf("file:%s?_pragma=synchronous(OFF)", dbName)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	logger.Debug("Snapshot database is set up", "file", dbName)
	return db, nil
}

// storedTimeLayout has fixed-width fractions so stored times sort as text.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// saveSnapshot writes a snapshot in one transaction.
func saveSnapshot(ctx context.Context, db *sql.DB, snap governance.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots (runId, tenantId, fetchedAt, rolesUnavailable) VALUES (?, ?, ?, ?)`,
		snap.RunID, snap.TenantID, formatTime(snap.FetchedAt), snap.RolesUnavailable); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	groupStmt, err := tx.PrepareContext(ctx, `INSERT INTO entraGroups (runId, id, displayName, description, groupTypes,
		securityEnabled, mailEnabled, isAssignableToRole, createdAt, lastRenewedAt, onPremSynced,
		memberCount, ownerCount, guestCount, partial) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare group insert: %w", err)
	}
	defer groupStmt.Close()
	for _, g := range snap.Groups {
		if _, err := groupStmt.ExecContext(ctx, snap.RunID, g.ID, g.DisplayName, g.Description,
			strings.Join(g.GroupTypes, ","), g.SecurityEnabled, g.MailEnabled, g.IsAssignableToRole,
			formatTime(g.CreatedAt), nullTime(g.LastRenewedAt), g.OnPremSynced,
			nullInt(g.MemberCount), nullInt(g.OwnerCount), nullInt(g.GuestCount),
			strings.Join(g.Partial, ",")); err != nil {
			return fmt.Errorf("failed to insert group %s: %w", g.ID, err)
		}
	}

	for groupID, roles := range snap.Roles {
		for _, role := range roles {
			if _, err := tx.ExecContext(ctx, `INSERT INTO roleMembers (runId, groupId, roleName) VALUES (?, ?, ?)`,
				snap.RunID, groupID, role); err != nil {
				return fmt.Errorf("failed to insert role member: %w", err)
			}
		}
	}

	signalStmt, err := tx.PrepareContext(ctx, `INSERT INTO activitySignals (runId, groupId, source, field, at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare signal insert: %w", err)
	}
	defer signalStmt.Close()
	for _, s := range snap.Signals {
		if _, err := signalStmt.ExecContext(ctx, snap.RunID, s.GroupID, string(s.Source), s.Field, formatTime(s.At)); err != nil {
			return fmt.Errorf("failed to insert signal: %w", err)
		}
	}

	return tx.Commit()
}

// loadLatestSnapshot reads the most recently fetched snapshot.
func loadLatestSnapshot(ctx context.Context, db *sql.DB) (governance.Snapshot, error) {
	var snap governance.Snapshot
	var fetchedAt string
	var tenantID sql.NullString
	err := db.QueryRowContext(ctx, `SELECT runId, tenantId, fetchedAt, rolesUnavailable FROM snapshots ORDER BY fetchedAt DESC LIMIT 1`).
		Scan(&snap.RunID, &tenantID, &fetchedAt, &snap.RolesUnavailable)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNoSnapshot
	}
	if err != nil {
		return snap, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap.TenantID = tenantID.String
	if snap.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt); err != nil {
		return snap, fmt.Errorf("invalid snapshot time %q: %w", fetchedAt, err)
	}

	if snap.Groups, err = loadGroups(ctx, db, snap.RunID); err != nil {
		return snap, err
	}
	if snap.Roles, err = loadRoles(ctx, db, snap.RunID); err != nil {
		return snap, err
	}
	if snap.Signals, err = loadSignals(ctx, db, snap.RunID); err != nil {
		return snap, err
	}
	return snap, nil
}

func loadGroups(ctx context.Context, db *sql.DB, runID string) ([]governance.GroupRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, displayName, description, groupTypes, securityEnabled, mailEnabled,
		isAssignableToRole, createdAt, lastRenewedAt, onPremSynced, memberCount, ownerCount, guestCount, partial
		FROM entraGroups WHERE runId = ? ORDER BY displayName, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var out []governance.GroupRecord
	for rows.Next() {
		var (
			g                                     governance.GroupRecord
			displayName, description, types, part sql.NullString
			createdAt, renewedAt                  sql.NullString
			members, owners, guests               sql.NullInt64
		)
		if err := rows.Scan(&g.ID, &displayName, &description, &types, &g.SecurityEnabled, &g.MailEnabled,
			&g.IsAssignableToRole, &createdAt, &renewedAt, &g.OnPremSynced, &members, &owners, &guests, &part); err != nil {
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		g.DisplayName = displayName.String
		g.Description = description.String
		g.GroupTypes = splitList(types.String)
		g.Partial = splitList(part.String)
		created, err := parseStoredTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("invalid createdAt for group %s: %w", g.ID, err)
		}
		if created != nil {
			g.CreatedAt = *created
		}
		if g.LastRenewedAt, err = parseStoredTime(renewedAt); err != nil {
			return nil, fmt.Errorf("invalid lastRenewedAt for group %s: %w", g.ID, err)
		}
		g.MemberCount = intFromNull(members)
		g.OwnerCount = intFromNull(owners)
		g.GuestCount = intFromNull(guests)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during group iteration: %w", err)
	}
	return out, nil
}

func loadRoles(ctx context.Context, db *sql.DB, runID string) (governance.RoleMembership, error) {
	rows, err := db.QueryContext(ctx, `SELECT groupId, roleName FROM roleMembers WHERE runId = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role members: %w", err)
	}
	defer rows.Close()

	roles := governance.RoleMembership{}
	for rows.Next() {
		var groupID, role string
		if err := rows.Scan(&groupID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan role member row: %w", err)
		}
		roles[groupID] = append(roles[groupID], role)
	}
	return roles, rows.Err()
}

func loadSignals(ctx context.Context, db *sql.DB, runID string) ([]governance.ActivitySignal, error) {
	rows, err := db.QueryContext(ctx, `SELECT groupId, source, field, at FROM activitySignals WHERE runId = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []governance.ActivitySignal
	for rows.Next() {
		var s governance.ActivitySignal
		var source, at string
		var field sql.NullString
		if err := rows.Scan(&s.GroupID, &source, &field, &at); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			// A corrupt timestamp is treated like an absent signal.
			continue
		}
		s.Source = governance.SignalSource(source)
		s.Field = field.String
		s.At = t
		out = append(out, s)
	}
	return out, rows.Err()
}

// parseStoredTime returns nil for NULL or empty columns.
func parseStoredTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
