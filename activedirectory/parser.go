package activedirectory

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Seconds between the Windows epoch (1601-01-01) and the Unix epoch.
const filetimeEpochDelta = 11644473600

// Name fragments that mark a machine account as a domain controller even
// when the directory-side exclusions miss it.
var dcNameMarkers = []string{"DC0", "DC1", "DC2", "PDC", "BDC", "ADDC", "DOMAIN-CONTROLLER"}

// Directory-replication service class GUID; its presence in an SPN
// identifies a DC when the OS is a server edition.
const drsServiceClassGUID = "E3514235-4B06-11D1-AB04-00C04FC2DCD2"

// filetimeToTime converts a directory file-time value (100ns intervals
// since 1601) to a Time. Zero and the sentinel max are treated as unset.
func filetimeToTime(raw string) *time.Time {
	ft, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ft <= 0 || ft == 0x7FFFFFFFFFFFFFFF {
		return nil
	}
	secs := ft/10000000 - filetimeEpochDelta
	nanos := (ft % 10000000) * 100
	t := time.Unix(secs, nanos).UTC()
	return &t
}

// parseGeneralizedTime parses whenCreated ("20240115103000.0Z").
func parseGeneralizedTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range []string{"20060102150405.0Z", "20060102150405Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// parseRecord maps one search entry onto a Record.
func parseRecord(entry *ldap.Entry) Record {
	uac, _ := strconv.ParseInt(entry.GetAttributeValue("userAccountControl"), 10, 64)
	pgid, _ := strconv.ParseInt(entry.GetAttributeValue("primaryGroupID"), 10, 64)

	return Record{
		Name:                   strings.ToUpper(entry.GetAttributeValue("cn")),
		DistinguishedName:      entry.DN,
		DNSHostName:            entry.GetAttributeValue("dNSHostName"),
		OperatingSystem:        entry.GetAttributeValue("operatingSystem"),
		OperatingSystemVersion: entry.GetAttributeValue("operatingSystemVersion"),
		Description:            entry.GetAttributeValue("description"),
		LastLogon:              filetimeToTime(entry.GetAttributeValue("lastLogonTimestamp")),
		WhenCreated:            parseGeneralizedTime(entry.GetAttributeValue("whenCreated")),
		UserAccountControl:     uac,
		PrimaryGroupID:         pgid,
		ServicePrincipalNames:  entry.GetAttributeValues("servicePrincipalName"),
	}
}

// looksLikeDomainController applies the client-side exclusions that the
// search filter cannot express: known DC name fragments, and server
// editions advertising directory-service SPNs.
func looksLikeDomainController(r Record) bool {
	for _, marker := range dcNameMarkers {
		if strings.Contains(r.Name, marker) {
			return true
		}
	}

	if !strings.Contains(r.OperatingSystem, "Server") {
		return false
	}
	for _, spn := range r.ServicePrincipalNames {
		upper := strings.ToUpper(spn)
		if strings.HasPrefix(upper, "LDAP/") || strings.HasPrefix(upper, "GC/") || strings.Contains(upper, drsServiceClassGUID) {
			return true
		}
	}
	return false
}
