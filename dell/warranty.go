package dell

import (
	"time"
)

// Warranty status values.
const (
	StatusActive  = "Active"
	StatusExpired = "Expired"
	StatusUnknown = "Unknown"
)

// Entitlement is one warranty line item as returned by the vendor.
type Entitlement struct {
	ServiceLevelDescription string `json:"serviceLevelDescription"`
	ServiceLevelCode        string `json:"serviceLevelCode"`
	StartDate               string `json:"startDate"`
	EndDate                 string `json:"endDate"`
	EntitlementType         string `json:"entitlementType"`
	ItemNumber              string `json:"itemNumber"`
}

// Warranty is the normalized internal shape for one service tag.
type Warranty struct {
	ServiceTag             string        `json:"service_tag"`
	CleanTag               string        `json:"service_tag_clean"`
	StartDate              *time.Time    `json:"warranty_start_date"`
	EndDate                *time.Time    `json:"warranty_end_date"`
	Status                 string        `json:"warranty_status"`
	ProductLineDescription string        `json:"product_line_description"`
	SystemDescription      string        `json:"system_description"`
	ShipDate               *time.Time    `json:"ship_date"`
	OrderNumber            string        `json:"order_number,omitempty"`
	Entitlements           []Entitlement `json:"entitlements"`
}

// asset is the raw vendor record for one service tag.
type asset struct {
	ServiceTag             string        `json:"serviceTag"`
	Invalid                bool          `json:"invalid"`
	ProductLineDescription string        `json:"productLineDescription"`
	SystemDescription      string        `json:"systemDescription"`
	ShipDate               string        `json:"shipDate"`
	OrderNumber            string        `json:"orderNumber"`
	Entitlements           []Entitlement `json:"entitlements"`
}

// normalize folds a raw vendor record into the internal shape: earliest
// start date, latest end date, and a status derived from that end date.
func normalize(a asset, sentTag, cleanTag string, now time.Time) *Warranty {
	w := &Warranty{
		ServiceTag:             sentTag,
		CleanTag:               cleanTag,
		Status:                 StatusUnknown,
		ProductLineDescription: a.ProductLineDescription,
		SystemDescription:      a.SystemDescription,
		OrderNumber:            a.OrderNumber,
		ShipDate:               parseVendorDate(a.ShipDate),
		Entitlements:           a.Entitlements,
	}

	for _, ent := range a.Entitlements {
		if start := parseVendorDate(ent.StartDate); start != nil {
			if w.StartDate == nil || start.Before(*w.StartDate) {
				w.StartDate = start
			}
		}
		if end := parseVendorDate(ent.EndDate); end != nil {
			if w.EndDate == nil || end.After(*w.EndDate) {
				w.EndDate = end
			}
		}
	}

	if w.EndDate != nil {
		if w.EndDate.After(now) {
			w.Status = StatusActive
		} else {
			w.Status = StatusExpired
		}
	}
	return w
}

// parseVendorDate accepts the vendor's ISO timestamps, with or without a
// zone suffix. Unparseable values are dropped rather than surfaced.
func parseVendorDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
