package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"snm/adinventory/dell"
	"snm/adinventory/servicetag"
)

// Cache TTLs for warranty rows.
const (
	warrantySuccessTTL = 7 * 24 * time.Hour
	warrantyFailureTTL = 6 * time.Hour
)

// WarrantyCandidates lists non-DC computers with a plausible service tag
// together with the state of their cached warranty row. Rows due for a
// refresh sort first.
func (db *Database) WarrantyCandidates(ctx context.Context) ([]WarrantyCandidate, error) {
	cols, err := db.tableColumns(ctx, "dell_warranty")
	if err != nil {
		return nil, err
	}

	// The cache-state columns are optional; select what exists and
	// compute needs_update here.
	optional := []string{"warranty_status", "last_updated", "cache_expires_at", "last_error"}
	sql := "SELECT c.id, c.name, dw.id"
	var present []string
	for _, col := range optional {
		if cols[col] {
			sql += ", dw." + col
			present = append(present, col)
		}
	}
	sql += `
		FROM computers c
		LEFT JOIN dell_warranty dw ON c.id = dw.computer_id
		WHERE c.is_domain_controller = false AND c.name IS NOT NULL AND LENGTH(c.name) >= 5
		ORDER BY c.name`

	rows, err := db.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("warranty candidates: %w", err)
	}
	defer rows.Close()

	now := db.now()
	var candidates []WarrantyCandidate
	for rows.Next() {
		var (
			cand       WarrantyCandidate
			warrantyID *int64
			status     *string
		)
		dest := []any{&cand.ComputerID, &cand.Name, &warrantyID}
		for _, col := range present {
			switch col {
			case "warranty_status":
				dest = append(dest, &status)
			case "last_updated":
				dest = append(dest, &cand.LastUpdated)
			case "cache_expires_at":
				dest = append(dest, &cand.CacheExpiresAt)
			case "last_error":
				dest = append(dest, &cand.LastError)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("warranty candidates: %w", err)
		}

		tag, ok := servicetag.Extract(cand.Name)
		if !ok {
			continue
		}
		cand.ServiceTag = tag
		if status != nil {
			cand.WarrantyStatus = *status
		}
		cand.NeedsUpdate = NeedsUpdate(cand.CacheExpiresAt, cand.LastError, warrantyID != nil, now)
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warranty candidates: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].NeedsUpdate && !candidates[j].NeedsUpdate
	})
	return candidates, nil
}

// SaveWarranty persists a successful vendor lookup with a 7-day TTL,
// clearing any recorded failure. Columns missing from the deployed
// schema are silently skipped.
func (db *Database) SaveWarranty(ctx context.Context, computerID int64, w *dell.Warranty) error {
	entitlements, err := json.Marshal(w.Entitlements)
	if err != nil {
		return fmt.Errorf("save warranty for computer %d: %w", computerID, err)
	}

	now := db.now()
	candidates := map[string]any{
		"service_tag":              w.ServiceTag,
		"service_tag_clean":        w.CleanTag,
		"warranty_start_date":      w.StartDate,
		"warranty_end_date":        w.EndDate,
		"warranty_status":          w.Status,
		"product_line_description": w.ProductLineDescription,
		"system_description":       w.SystemDescription,
		"ship_date":                w.ShipDate,
		"order_number":             w.OrderNumber,
		"entitlements":             entitlements,
		"last_updated":             now,
		"cache_expires_at":         now.Add(warrantySuccessTTL),
		"last_error":               nil,
	}
	return db.upsertWarranty(ctx, computerID, candidates)
}

// SaveWarrantyError records a failed lookup so the row is retried after
// 6 hours instead of on every run.
func (db *Database) SaveWarrantyError(ctx context.Context, computerID int64, code, message string) error {
	now := db.now()
	candidates := map[string]any{
		"last_updated":     now,
		"cache_expires_at": now.Add(warrantyFailureTTL),
		"last_error":       fmt.Sprintf("%s: %s", code, message),
	}
	return db.upsertWarranty(ctx, computerID, candidates)
}

func (db *Database) upsertWarranty(ctx context.Context, computerID int64, candidates map[string]any) (err error) {
	cols, err := db.tableColumns(ctx, "dell_warranty")
	if err != nil {
		return err
	}
	if !cols["computer_id"] {
		return fmt.Errorf("save warranty: dell_warranty has no computer_id column")
	}

	names, values := writableColumns(candidates, cols)
	if len(names) == 0 {
		db.log.Warn("no matching dell_warranty columns, skipping write", zap.Int64("computer_id", computerID))
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save warranty for computer %d: %w", computerID, err)
	}
	defer rollbackOrCommit(ctx, tx, &err)

	var existingID int64
	err = tx.QueryRow(ctx, selectWarrantyExists, computerID).Scan(&existingID)
	switch {
	case err == nil:
		sets := make([]string, 0, len(names))
		for i, name := range names {
			sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		}
		sql := fmt.Sprintf("UPDATE dell_warranty SET %s WHERE computer_id = $%d",
			strings.Join(sets, ", "), len(values)+1)
		_, err = tx.Exec(ctx, sql, append(values, computerID)...)
	case errors.Is(err, pgx.ErrNoRows):
		names = append([]string{"computer_id"}, names...)
		values = append([]any{computerID}, values...)
		sql := fmt.Sprintf("INSERT INTO dell_warranty (%s) VALUES (%s)",
			strings.Join(names, ", "), placeholders(1, len(values)))
		_, err = tx.Exec(ctx, sql, values...)
	}
	if err != nil {
		return fmt.Errorf("save warranty for computer %d: %w", computerID, err)
	}
	return nil
}

// GetWarranty fetches the cached warranty row for one computer.
func (db *Database) GetWarranty(ctx context.Context, computerID int64) (*WarrantyRow, error) {
	var w WarrantyRow
	err := db.pool.QueryRow(ctx, selectWarrantyByComputer, computerID).Scan(
		&w.ID, &w.ComputerID, &w.ComputerName,
		&w.ServiceTag, &w.ServiceTagClean,
		&w.StartDate, &w.EndDate, &w.Status,
		&w.ProductLineDescription, &w.SystemDescription,
		&w.ShipDate, &w.OrderNumber, &w.Entitlements,
		&w.LastUpdated, &w.CacheExpiresAt, &w.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("warranty for computer %d: %w", computerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get warranty for computer %d: %w", computerID, err)
	}
	return &w, nil
}

// ListWarranties returns cached warranty rows joined with their owning
// computers, newest expiry risk first, with optional filters.
func (db *Database) ListWarranties(ctx context.Context, status, organization, search string, limit, offset int) ([]WarrantyRow, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where := []string{"c.is_domain_controller = false"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch status {
	case "active":
		where = append(where, "dw.warranty_end_date > NOW() AND dw.last_error IS NULL")
	case "expired":
		where = append(where, "dw.warranty_end_date < NOW()")
	case "expiring_30":
		where = append(where, "dw.warranty_end_date BETWEEN NOW() AND NOW() + INTERVAL '30 days'")
	case "unknown":
		where = append(where, "(dw.warranty_end_date IS NULL OR dw.last_error IS NOT NULL)")
	}
	if organization != "" {
		where = append(where, "c.organization = "+arg(strings.ToUpper(organization)))
	}
	if search != "" {
		p := arg("%" + strings.ToUpper(search) + "%")
		where = append(where, fmt.Sprintf("(UPPER(c.name) LIKE %s OR UPPER(dw.service_tag) LIKE %s)", p, p))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT COUNT(*) FROM dell_warranty dw JOIN computers c ON dw.computer_id = c.id WHERE " + whereClause
	if err := db.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count warranties: %w", err)
	}

	sql := fmt.Sprintf(`
		SELECT dw.id, dw.computer_id, c.name,
			COALESCE(dw.service_tag, ''), COALESCE(dw.service_tag_clean, ''),
			dw.warranty_start_date, dw.warranty_end_date, COALESCE(dw.warranty_status, ''),
			COALESCE(dw.product_line_description, ''), COALESCE(dw.system_description, ''),
			dw.ship_date, COALESCE(dw.order_number, ''), dw.entitlements,
			dw.last_updated, dw.cache_expires_at, dw.last_error
		FROM dell_warranty dw
		JOIN computers c ON dw.computer_id = c.id
		WHERE %s
		ORDER BY
			CASE
				WHEN dw.warranty_end_date IS NULL THEN 3
				WHEN dw.warranty_end_date < NOW() THEN 1
				WHEN dw.warranty_end_date <= NOW() + INTERVAL '30 days' THEN 2
				ELSE 4
			END,
			dw.warranty_end_date ASC, c.name
		OFFSET %s LIMIT %s`, whereClause, arg(offset), arg(limit))

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list warranties: %w", err)
	}
	defer rows.Close()

	var warranties []WarrantyRow
	for rows.Next() {
		var w WarrantyRow
		if err := rows.Scan(
			&w.ID, &w.ComputerID, &w.ComputerName,
			&w.ServiceTag, &w.ServiceTagClean,
			&w.StartDate, &w.EndDate, &w.Status,
			&w.ProductLineDescription, &w.SystemDescription,
			&w.ShipDate, &w.OrderNumber, &w.Entitlements,
			&w.LastUpdated, &w.CacheExpiresAt, &w.LastError,
		); err != nil {
			return nil, 0, fmt.Errorf("list warranties: %w", err)
		}
		warranties = append(warranties, w)
	}
	return warranties, total, rows.Err()
}

// DeleteOrphanWarranties drops warranty rows whose computer no longer
// exists, after a full reconciliation has pruned the fleet.
func (db *Database) DeleteOrphanWarranties(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, deleteOrphanWarranties)
	if err != nil {
		return 0, fmt.Errorf("delete orphan warranties: %w", err)
	}
	return tag.RowsAffected(), nil
}
