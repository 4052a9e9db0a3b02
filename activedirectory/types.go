package activedirectory

import "time"

// Computer attributes requested from the directory.
var computerAttributes = []string{
	"cn",
	"distinguishedName",
	"lastLogonTimestamp",
	"operatingSystem",
	"operatingSystemVersion",
	"whenCreated",
	"description",
	"userAccountControl",
	"primaryGroupID",
	"servicePrincipalName",
	"dNSHostName",
}

const (
	// userAccountControl bits.
	uacAccountDisabled = 0x0002
	uacServerTrust     = 0x2000

	// primaryGroupID of domain controller machine accounts.
	domainControllersGroup = 516
)

// Record is one computer account as read from the directory.
type Record struct {
	Name                   string // CN, uppercased
	DistinguishedName      string
	DNSHostName            string
	OperatingSystem        string
	OperatingSystemVersion string
	Description            string
	LastLogon              *time.Time
	WhenCreated            *time.Time
	UserAccountControl     int64
	PrimaryGroupID         int64
	ServicePrincipalNames  []string
}

// Enabled reports whether the account-disabled bit is clear.
func (r Record) Enabled() bool {
	return r.UserAccountControl&uacAccountDisabled == 0
}
