// Package activedirectory reads computer accounts from a domain
// directory and flips their enabled state. Connections are short-lived:
// each operation dials, binds, and closes.
package activedirectory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a name matches no machine account.
var ErrNotFound = errors.New("not found in directory")

// conn is the slice of *ldap.Conn the client uses, separated so tests
// can substitute a fake directory.
type conn interface {
	Bind(username, password string) error
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Modify(req *ldap.ModifyRequest) error
	Close() error
}

type Client struct {
	url      string
	baseDN   string
	username string
	password string
	pageSize uint32
	log      *zap.Logger

	dial func(url string) (conn, error)
}

func NewClient(url, baseDN, username, password string, pageSize uint32, log *zap.Logger) *Client {
	if pageSize == 0 {
		pageSize = 1000
	}
	return &Client{
		url:      url,
		baseDN:   baseDN,
		username: username,
		password: password,
		pageSize: pageSize,
		log:      log,
		dial: func(url string) (conn, error) {
			return ldap.DialURL(url)
		},
	}
}

func (c *Client) connect() (conn, error) {
	cn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("connect to directory %s: %w", c.url, err)
	}
	if err := cn.Bind(c.username, c.password); err != nil {
		cn.Close()
		return nil, fmt.Errorf("bind to directory as %s: %w", c.username, err)
	}
	return cn, nil
}

// computerFilter excludes DC machine accounts directory-side: members of
// the Domain Controllers group and accounts with the server-trust bit.
func computerFilter() Filter {
	return And(
		Eq("objectClass", "computer"),
		Not(Eq("primaryGroupID", strconv.Itoa(domainControllersGroup))),
		Not(BitAnd("userAccountControl", uacServerTrust)),
	)
}

// ListComputers pages through all non-DC computer accounts under the
// base DN. Accounts the filter cannot exclude (named like a DC, or a
// server edition advertising directory SPNs) are dropped client-side.
func (c *Client) ListComputers(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	req := ldap.NewSearchRequest(
		c.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		computerFilter().String(),
		computerAttributes,
		nil,
	)

	res, err := cn.SearchWithPaging(req, c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("search computers: %w", err)
	}

	var records []Record
	excluded := 0
	for _, entry := range res.Entries {
		rec := parseRecord(entry)
		if rec.Name == "" {
			continue
		}
		if looksLikeDomainController(rec) {
			excluded++
			continue
		}
		records = append(records, rec)
	}
	c.log.Info("directory enumeration finished",
		zap.Int("computers", len(records)),
		zap.Int("excluded_dcs", excluded))
	return records, nil
}

// FindComputer locates one machine account by CN or sAMAccountName.
func (c *Client) FindComputer(ctx context.Context, name string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	filter := And(
		Eq("objectClass", "computer"),
		Or(
			Eq("cn", name),
			Eq("sAMAccountName", name+"$"),
		),
	)
	req := ldap.NewSearchRequest(
		c.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter.String(),
		computerAttributes,
		nil,
	)

	res, err := cn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search computer %q: %w", name, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("computer %q: %w", name, ErrNotFound)
	}

	rec := parseRecord(res.Entries[0])
	return &rec, nil
}

// ToggleResult reports the outcome of an enable/disable operation.
type ToggleResult struct {
	Name                  string `json:"computer_name"`
	Action                string `json:"action"`
	AlreadyInDesiredState bool   `json:"already_in_desired_state"`
	PreviousUAC           int64  `json:"previous_user_account_control"`
	NewUAC                int64  `json:"new_user_account_control"`
	Disabled              bool   `json:"disabled"`
}

// SetEnabled enables or disables a machine account by flipping bit 2 of
// userAccountControl. A no-op request reports already_in_desired_state
// without writing.
func (c *Client) SetEnabled(ctx context.Context, name string, enable bool) (*ToggleResult, error) {
	rec, err := c.FindComputer(ctx, name)
	if err != nil {
		return nil, err
	}

	action := "disable"
	if enable {
		action = "enable"
	}
	result := &ToggleResult{
		Name:        rec.Name,
		Action:      action,
		PreviousUAC: rec.UserAccountControl,
	}

	if rec.Enabled() == enable {
		result.AlreadyInDesiredState = true
		result.NewUAC = rec.UserAccountControl
		result.Disabled = !enable
		return result, nil
	}

	newUAC := rec.UserAccountControl | uacAccountDisabled
	if enable {
		newUAC = rec.UserAccountControl &^ uacAccountDisabled
	}

	cn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	mr := ldap.NewModifyRequest(rec.DistinguishedName, nil)
	mr.Replace("userAccountControl", []string{strconv.FormatInt(newUAC, 10)})
	if err := cn.Modify(mr); err != nil {
		return nil, fmt.Errorf("%s computer %q: %w", action, name, err)
	}

	c.log.Info("toggled computer account",
		zap.String("computer", rec.Name),
		zap.String("action", action),
		zap.Int64("uac", newUAC))

	result.NewUAC = newUAC
	result.Disabled = !enable
	return result, nil
}
