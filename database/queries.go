package database

// SQL query constants for the fixed-shape operations. Writes against
// tables with optional columns are assembled dynamically instead; see
// writableColumns.

const (
	selectTableColumns = `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = $1`

	updateComputerUsers = `
		UPDATE computers
		SET usuario_anterior = CASE
				WHEN COALESCE(usuario_atual, '') <> '' AND usuario_atual IS DISTINCT FROM $1
				THEN usuario_atual
				ELSE usuario_anterior
			END,
			usuario_atual = $1
		WHERE UPPER(name) = UPPER($2) AND is_domain_controller = false`

	updateComputerEnabled = `
		UPDATE computers
		SET is_enabled = $1,
			user_account_control = COALESCE($2, user_account_control)
		WHERE UPPER(name) = UPPER($3)`

	updateComputerStatus = `
		UPDATE computers
		SET status = $1
		WHERE UPPER(name) = UPPER($2) AND is_domain_controller = false`

	markComputersUnsynced = `
		UPDATE computers
		SET is_synced = false
		WHERE is_domain_controller = false`

	deleteUnsyncedComputers = `
		DELETE FROM computers
		WHERE is_domain_controller = false AND is_synced = false`

	deleteOrphanWarranties = `
		DELETE FROM dell_warranty
		WHERE computer_id NOT IN (SELECT id FROM computers)`

	selectFleetStats = `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_enabled),
			COUNT(*) FILTER (WHERE NOT is_enabled)
		FROM computers
		WHERE is_domain_controller = false`

	insertSyncLog = `
		INSERT INTO sync_logs (
			sync_type, start_time, end_time, status,
			computers_found, computers_added, computers_updated,
			errors_count, error_message, triggered_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	selectSyncLogs = `
		SELECT id, sync_type, start_time, end_time, status,
			computers_found, computers_added, computers_updated,
			errors_count, COALESCE(error_message, ''), COALESCE(triggered_by, '')
		FROM sync_logs
		ORDER BY start_time DESC
		LIMIT $1`

	selectWarrantyExists = `
		SELECT id FROM dell_warranty WHERE computer_id = $1`

	selectWarrantyByComputer = `
		SELECT dw.id, dw.computer_id, c.name,
			COALESCE(dw.service_tag, ''), COALESCE(dw.service_tag_clean, ''),
			dw.warranty_start_date, dw.warranty_end_date, COALESCE(dw.warranty_status, ''),
			COALESCE(dw.product_line_description, ''), COALESCE(dw.system_description, ''),
			dw.ship_date, COALESCE(dw.order_number, ''), dw.entitlements,
			dw.last_updated, dw.cache_expires_at, dw.last_error
		FROM dell_warranty dw
		JOIN computers c ON dw.computer_id = c.id
		WHERE dw.computer_id = $1`
)
