package activedirectory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestComputerFilter(t *testing.T) {
	want := "(&(objectClass=computer)(!(primaryGroupID=516))(!(userAccountControl:1.2.840.113556.1.4.803:=8192)))"
	assert.Equal(t, want, computerFilter().String())
}

func TestFilterCombinators(t *testing.T) {
	f := And(Eq("objectClass", "computer"), Or(Eq("cn", "SHQPC01"), Eq("sAMAccountName", "SHQPC01$")))
	assert.Equal(t, "(&(objectClass=computer)(|(cn=SHQPC01)(sAMAccountName=SHQPC01$)))", f.String())

	// Eq escapes filter metacharacters.
	assert.Equal(t, "(cn=a\\28b\\29)", Eq("cn", "a(b)").String())
}

func TestFiletimeToTime(t *testing.T) {
	// 2024-01-15 10:30:00 UTC as a Windows file time.
	ft := (time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC).Unix() + filetimeEpochDelta) * 10000000

	got := filetimeToTime(strconv.FormatInt(ft, 10))
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), *got)

	assert.Nil(t, filetimeToTime("0"))
	assert.Nil(t, filetimeToTime(""))
	assert.Nil(t, filetimeToTime("9223372036854775807"))
	assert.Nil(t, filetimeToTime("garbage"))
}

func TestParseGeneralizedTime(t *testing.T) {
	got := parseGeneralizedTime("20240115103000.0Z")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), *got)

	assert.Nil(t, parseGeneralizedTime(""))
	assert.Nil(t, parseGeneralizedTime("not-a-date"))
}

func TestRecordEnabled(t *testing.T) {
	assert.True(t, Record{UserAccountControl: 4096}.Enabled())
	assert.False(t, Record{UserAccountControl: 4098}.Enabled())
}

func TestLooksLikeDomainController(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"workstation", Record{Name: "SHQC1WSB92", OperatingSystem: "Windows 11 Pro"}, false},
		{"named dc", Record{Name: "DIADC02", OperatingSystem: "Windows Server 2022"}, true},
		{"pdc marker", Record{Name: "OLD-PDC-BOX"}, true},
		{"server without dc spns", Record{
			Name:                  "SHQAPPSRV01X",
			OperatingSystem:       "Windows Server 2019",
			ServicePrincipalNames: []string{"HTTP/shqappsrv01x"},
		}, false},
		{"server with ldap spn", Record{
			Name:                  "SHQINFRA01",
			OperatingSystem:       "Windows Server 2022",
			ServicePrincipalNames: []string{"ldap/shqinfra01.corp.local"},
		}, true},
		{"server with drs guid spn", Record{
			Name:                  "SHQINFRA02",
			OperatingSystem:       "Windows Server 2022",
			ServicePrincipalNames: []string{"E3514235-4B06-11D1-AB04-00C04FC2DCD2/guid/corp.local"},
		}, true},
		{"workstation with ldap spn", Record{
			Name:                  "SHQWK55555",
			OperatingSystem:       "Windows 10 Pro",
			ServicePrincipalNames: []string{"ldap/whatever"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikeDomainController(tt.rec))
		})
	}
}

// fakeDirectory stands in for an LDAP server.
type fakeDirectory struct {
	entries  []*ldap.Entry
	modified []*ldap.ModifyRequest
	bindErr  error
}

func (f *fakeDirectory) Bind(username, password string) error { return f.bindErr }

func (f *fakeDirectory) SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error) {
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeDirectory) Modify(req *ldap.ModifyRequest) error {
	f.modified = append(f.modified, req)
	return nil
}

func (f *fakeDirectory) Close() error { return nil }

func computerEntry(cn, dn, uac, os string, spns ...string) *ldap.Entry {
	return &ldap.Entry{
		DN: dn,
		Attributes: []*ldap.EntryAttribute{
			{Name: "cn", Values: []string{cn}},
			{Name: "userAccountControl", Values: []string{uac}},
			{Name: "primaryGroupID", Values: []string{"515"}},
			{Name: "operatingSystem", Values: []string{os}},
			{Name: "servicePrincipalName", Values: spns},
		},
	}
}

func testClient(dir *fakeDirectory) *Client {
	c := NewClient("ldap://dc.corp.local:389", "DC=corp,DC=local", "svc", "secret", 1000, zap.NewNop())
	c.dial = func(string) (conn, error) { return dir, nil }
	return c
}

func TestListComputersDropsDCs(t *testing.T) {
	dir := &fakeDirectory{entries: []*ldap.Entry{
		computerEntry("shqc1wsb92", "CN=SHQC1WSB92,OU=PCs,DC=corp,DC=local", "4096", "Windows 11 Pro"),
		computerEntry("DIADC02", "CN=DIADC02,OU=DCs,DC=corp,DC=local", "532480", "Windows Server 2022", "ldap/diadc02"),
	}}

	records, err := testClient(dir).ListComputers(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "SHQC1WSB92", records[0].Name)
	assert.True(t, records[0].Enabled())
}

func TestSetEnabledDisables(t *testing.T) {
	dir := &fakeDirectory{entries: []*ldap.Entry{
		computerEntry("SHQC1WSB92", "CN=SHQC1WSB92,OU=PCs,DC=corp,DC=local", "4096", "Windows 11 Pro"),
	}}

	res, err := testClient(dir).SetEnabled(context.Background(), "SHQC1WSB92", false)
	require.NoError(t, err)
	assert.False(t, res.AlreadyInDesiredState)
	assert.Equal(t, int64(4096), res.PreviousUAC)
	assert.Equal(t, int64(4098), res.NewUAC)
	assert.True(t, res.Disabled)

	require.Len(t, dir.modified, 1)
	mod := dir.modified[0]
	assert.Equal(t, "CN=SHQC1WSB92,OU=PCs,DC=corp,DC=local", mod.DN)
	require.Len(t, mod.Changes, 1)
	assert.Equal(t, "userAccountControl", mod.Changes[0].Modification.Type)
	assert.Equal(t, []string{"4098"}, mod.Changes[0].Modification.Vals)
}

func TestSetEnabledAlreadyInDesiredState(t *testing.T) {
	dir := &fakeDirectory{entries: []*ldap.Entry{
		computerEntry("SHQC1WSB92", "CN=SHQC1WSB92,OU=PCs,DC=corp,DC=local", "4096", "Windows 11 Pro"),
	}}

	res, err := testClient(dir).SetEnabled(context.Background(), "SHQC1WSB92", true)
	require.NoError(t, err)
	assert.True(t, res.AlreadyInDesiredState)
	assert.Empty(t, dir.modified, "no write when nothing changes")
}

func TestFindComputerNotFound(t *testing.T) {
	dir := &fakeDirectory{}
	_, err := testClient(dir).FindComputer(context.Background(), "GHOST")
	assert.ErrorContains(t, err, "not found")
}
