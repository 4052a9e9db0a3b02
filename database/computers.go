package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"snm/adinventory/activedirectory"
	"snm/adinventory/servicetag"
)

// computerSelect is the fixed part of every computers query. The two
// enrichment columns (ip_address, mac_address) are optional in deployed
// schemas and appended only when present.
const computerSelect = `
	SELECT id, name, COALESCE(distinguished_name, ''), COALESCE(dns_hostname, ''),
		is_enabled, COALESCE(user_account_control, 0), COALESCE(primary_group_id, 515),
		COALESCE(organization, ''), COALESCE(operating_system, ''),
		COALESCE(operating_system_version, ''), last_logon_timestamp, created_date,
		COALESCE(description, ''), COALESCE(usuario_atual, ''), COALESCE(usuario_anterior, ''),
		COALESCE(status, ''), last_sync_ad`

var computerEnrichmentColumns = []string{"ip_address", "mac_address"}

func (db *Database) computerQuery(ctx context.Context, where string) (sql string, enriched []string, err error) {
	cols, err := db.tableColumns(ctx, "computers")
	if err != nil {
		return "", nil, err
	}
	sql = computerSelect
	for _, col := range computerEnrichmentColumns {
		if cols[col] {
			sql += fmt.Sprintf(", COALESCE(%s, '')", col)
			enriched = append(enriched, col)
		}
	}
	sql += "\n\tFROM computers\n\tWHERE is_domain_controller = false"
	if where != "" {
		sql += " AND " + where
	}
	return sql, enriched, nil
}

func scanComputer(row pgx.Row, enriched []string) (Computer, error) {
	var c Computer
	dest := []any{
		&c.ID, &c.Name, &c.DistinguishedName, &c.DNSHostName,
		&c.Enabled, &c.UserAccountControl, &c.PrimaryGroupID,
		&c.Organization, &c.OperatingSystem, &c.OperatingSystemVersion,
		&c.LastLogon, &c.Created, &c.Description,
		&c.CurrentUser, &c.PreviousUser, &c.Status, &c.LastSyncAD,
	}
	for _, col := range enriched {
		switch col {
		case "ip_address":
			dest = append(dest, &c.IPAddress)
		case "mac_address":
			dest = append(dest, &c.MACAddress)
		}
	}
	return c, row.Scan(dest...)
}

// ListComputers returns non-DC computers ordered by name. The only
// recognized inventory filter is "spare".
func (db *Database) ListComputers(ctx context.Context, inventoryFilter string) ([]Computer, error) {
	where := ""
	if strings.EqualFold(inventoryFilter, "spare") {
		where = "status = 'Spare'"
	}
	sql, enriched, err := db.computerQuery(ctx, where)
	if err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx, sql+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list computers: %w", err)
	}
	defer rows.Close()

	var computers []Computer
	for rows.Next() {
		c, err := scanComputer(rows, enriched)
		if err != nil {
			return nil, fmt.Errorf("list computers: %w", err)
		}
		computers = append(computers, c)
	}
	return computers, rows.Err()
}

// GetComputerByName fetches one non-DC computer, matched case-insensitively.
func (db *Database) GetComputerByName(ctx context.Context, name string) (*Computer, error) {
	sql, enriched, err := db.computerQuery(ctx, "UPPER(name) = UPPER($1)")
	if err != nil {
		return nil, err
	}

	c, err := scanComputer(db.pool.QueryRow(ctx, sql, name), enriched)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("computer %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get computer %q: %w", name, err)
	}
	return &c, nil
}

// ServiceTag returns the tag recorded on the row when the deployed
// schema has one, falling back to extraction from the name.
func (db *Database) ServiceTag(ctx context.Context, c *Computer) (string, bool) {
	cols, err := db.tableColumns(ctx, "computers")
	if err == nil && cols["service_tag"] {
		var tag *string
		err := db.pool.QueryRow(ctx, "SELECT service_tag FROM computers WHERE id = $1", c.ID).Scan(&tag)
		if err == nil && tag != nil && *tag != "" {
			return *tag, true
		}
	}
	return servicetag.Extract(c.Name)
}

// UpsertComputerFromAD inserts or refreshes one computer from a directory
// record. On update the operator-maintained fields (usuario_atual,
// usuario_anterior, status) are left untouched. Returns whether a new row
// was created.
func (db *Database) UpsertComputerFromAD(ctx context.Context, rec activedirectory.Record) (bool, error) {
	cols, err := db.tableColumns(ctx, "computers")
	if err != nil {
		return false, err
	}

	now := db.now()
	candidates := map[string]any{
		"name":                     strings.ToUpper(rec.Name),
		"distinguished_name":       rec.DistinguishedName,
		"dns_hostname":             rec.DNSHostName,
		"is_enabled":               rec.Enabled(),
		"is_domain_controller":     false,
		"user_account_control":     rec.UserAccountControl,
		"primary_group_id":         rec.PrimaryGroupID,
		"organization":             servicetag.SiteOf(rec.Name),
		"operating_system":         rec.OperatingSystem,
		"operating_system_version": rec.OperatingSystemVersion,
		"last_logon_timestamp":     rec.LastLogon,
		"created_date":             rec.WhenCreated,
		"description":              rec.Description,
		"is_synced":                true,
		"last_sync_ad":             now,
	}
	if cols["service_tag"] {
		if tag, ok := servicetag.Extract(rec.Name); ok {
			candidates["service_tag"] = tag
		}
	}

	names, values := writableColumns(candidates, cols)
	if len(names) == 0 || !cols["name"] {
		return false, fmt.Errorf("upsert computer %q: no writable columns", rec.Name)
	}

	var sets []string
	for _, name := range names {
		if name == "name" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	sql := fmt.Sprintf(`INSERT INTO computers (%s) VALUES (%s)
		ON CONFLICT (name) DO UPDATE SET %s
		RETURNING (xmax = 0)`,
		strings.Join(names, ", "), placeholders(1, len(values)), strings.Join(sets, ", "))

	var created bool
	if err := db.pool.QueryRow(ctx, sql, values...).Scan(&created); err != nil {
		return false, fmt.Errorf("upsert computer %q: %w", rec.Name, err)
	}
	return created, nil
}

// SetCurrentUser records a newly observed logged user, demoting the
// previous occupant to usuario_anterior in the same statement.
func (db *Database) SetCurrentUser(ctx context.Context, name, user string) error {
	tag, err := db.pool.Exec(ctx, updateComputerUsers, user, name)
	if err != nil {
		return fmt.Errorf("set current user for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("computer %q: %w", name, ErrNotFound)
	}
	return nil
}

// SetEnabled mirrors a directory enable/disable back into the cache.
func (db *Database) SetEnabled(ctx context.Context, name string, enabled bool, userAccountControl *int64) error {
	if _, err := db.pool.Exec(ctx, updateComputerEnabled, enabled, userAccountControl, name); err != nil {
		return fmt.Errorf("update enabled for %q: %w", name, err)
	}
	return nil
}

// SetInventoryStatus updates the free-form inventory status field.
func (db *Database) SetInventoryStatus(ctx context.Context, name, status string) error {
	if _, err := db.pool.Exec(ctx, updateComputerStatus, status, name); err != nil {
		return fmt.Errorf("update status for %q: %w", name, err)
	}
	return nil
}

// MarkAllUnsynced clears the synced flag ahead of a full reconciliation.
func (db *Database) MarkAllUnsynced(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, markComputersUnsynced); err != nil {
		return fmt.Errorf("mark computers unsynced: %w", err)
	}
	return nil
}

// DeleteUnsynced removes computers not seen by the last full pass.
func (db *Database) DeleteUnsynced(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, deleteUnsyncedComputers)
	if err != nil {
		return 0, fmt.Errorf("delete unsynced computers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns fleet totals for the sync status endpoint.
func (db *Database) Stats(ctx context.Context) (FleetStats, error) {
	var s FleetStats
	err := db.pool.QueryRow(ctx, selectFleetStats).Scan(&s.Total, &s.Enabled, &s.Disabled)
	if err != nil {
		return FleetStats{}, fmt.Errorf("fleet stats: %w", err)
	}
	return s, nil
}
