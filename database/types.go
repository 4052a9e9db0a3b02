package database

import (
	"time"
)

// Computer represents a row in the computers table.
type Computer struct {
	ID                     int64      `json:"id"`
	Name                   string     `json:"name"`
	DistinguishedName      string     `json:"dn"`
	DNSHostName            string     `json:"dns_hostname"`
	Enabled                bool       `json:"is_enabled"`
	UserAccountControl     int64      `json:"user_account_control"`
	PrimaryGroupID         int64      `json:"primary_group_id"`
	Organization           string     `json:"organization"`
	OperatingSystem        string     `json:"os"`
	OperatingSystemVersion string     `json:"os_version"`
	LastLogon              *time.Time `json:"last_logon"`
	Created                *time.Time `json:"created"`
	Description            string     `json:"description"`
	CurrentUser            string     `json:"usuario_atual"`
	PreviousUser           string     `json:"usuario_anterior"`
	Status                 string     `json:"status"`
	IPAddress              string     `json:"ip_address,omitempty"`
	MACAddress             string     `json:"mac_address,omitempty"`
	LastSyncAD             *time.Time `json:"last_sync_ad"`
}

// WarrantyRow represents a row in the dell_warranty table.
type WarrantyRow struct {
	ID                     int64      `json:"id"`
	ComputerID             int64      `json:"computer_id"`
	ComputerName           string     `json:"computer_name,omitempty"`
	ServiceTag             string     `json:"service_tag"`
	ServiceTagClean        string     `json:"service_tag_clean"`
	StartDate              *time.Time `json:"warranty_start_date"`
	EndDate                *time.Time `json:"warranty_end_date"`
	Status                 string     `json:"warranty_status"`
	ProductLineDescription string     `json:"product_line_description"`
	SystemDescription      string     `json:"system_description"`
	ShipDate               *time.Time `json:"ship_date"`
	OrderNumber            string     `json:"order_number,omitempty"`
	Entitlements           []byte     `json:"-"`
	LastUpdated            *time.Time `json:"last_updated"`
	CacheExpiresAt         *time.Time `json:"cache_expires_at"`
	LastError              *string    `json:"last_error"`
}

// WarrantyCandidate is one computer considered for a warranty refresh,
// together with the state of its cached row.
type WarrantyCandidate struct {
	ComputerID     int64      `json:"id"`
	Name           string     `json:"name"`
	ServiceTag     string     `json:"service_tag"`
	WarrantyStatus string     `json:"warranty_status,omitempty"`
	LastUpdated    *time.Time `json:"last_updated"`
	CacheExpiresAt *time.Time `json:"cache_expires_at"`
	LastError      *string    `json:"last_error"`
	NeedsUpdate    bool       `json:"needs_update"`
}

// SyncLog statuses.
const (
	SyncCompleted           = "completed"
	SyncCompletedWithErrors = "completed_with_errors"
	SyncFailed              = "failed"
)

// SyncLog run kinds.
const (
	SyncKindIncremental = "incremental"
	SyncKindComplete    = "complete"
	SyncKindWarranty    = "warranty"
)

// SyncLog is an audit row for one reconciliation or refresh run.
type SyncLog struct {
	ID           int64     `json:"id,omitempty"`
	Kind         string    `json:"sync_type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Status       string    `json:"status"`
	Found        int       `json:"computers_found"`
	Added        int       `json:"computers_added"`
	Updated      int       `json:"computers_updated"`
	Errors       int       `json:"errors_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	TriggeredBy  string    `json:"triggered_by,omitempty"`
}

// FleetStats is an aggregate over the non-DC computer rows.
type FleetStats struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
}

// NeedsUpdate reports whether a cached warranty row is due for a refresh:
// no row, expired or missing TTL, or a recorded failure.
func NeedsUpdate(cacheExpiresAt *time.Time, lastError *string, hasRow bool, now time.Time) bool {
	if !hasRow {
		return true
	}
	if cacheExpiresAt == nil || cacheExpiresAt.Before(now) {
		return true
	}
	return lastError != nil
}
