package dell

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type vendorStub struct {
	t *testing.T

	tokenRequests  atomic.Int32
	lookupRequests atomic.Int32

	// reject401 makes the next N lookups answer 401.
	reject401 atomic.Int32

	lookupStatus int
	assets       func(tags []string) []map[string]any
}

func (v *vendorStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+tokenPath, func(w http.ResponseWriter, r *http.Request) {
		v.tokenRequests.Add(1)
		require.NoError(v.t, r.ParseForm())
		assert.Equal(v.t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(v.t, "id", r.PostForm.Get("client_id"))
		assert.Equal(v.t, "secret", r.PostForm.Get("client_secret"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok-%d", v.tokenRequests.Load()), "expires_in": 3600})
	})
	mux.HandleFunc("GET "+lookupPath, func(w http.ResponseWriter, r *http.Request) {
		v.lookupRequests.Add(1)
		if v.reject401.Load() > 0 {
			v.reject401.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.True(v.t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		if v.lookupStatus != 0 && v.lookupStatus != http.StatusOK {
			w.WriteHeader(v.lookupStatus)
			return
		}
		tags := strings.Split(r.URL.Query().Get("servicetags"), ",")
		json.NewEncoder(w).Encode(v.assets(tags))
	})
	return mux
}

func newTestClient(t *testing.T, stub *vendorStub) (*Client, *httptest.Server) {
	stub.t = t
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "id", "secret", zap.NewNop()), srv
}

func entitled(tag string, endDates ...string) map[string]any {
	ents := make([]map[string]any, 0, len(endDates))
	for _, end := range endDates {
		ents = append(ents, map[string]any{
			"serviceLevelDescription": "ProSupport",
			"startDate":               "2024-01-15T00:00:00Z",
			"endDate":                 end,
			"entitlementType":         "EXTENDED",
		})
	}
	return map[string]any{
		"serviceTag":             tag,
		"productLineDescription": "Latitude 5440",
		"systemDescription":      "Latitude 5440",
		"shipDate":               "2024-01-10T00:00:00Z",
		"entitlements":           ents,
	}
}

func TestLookupNormalizesActiveWarranty(t *testing.T) {
	stub := &vendorStub{assets: func(tags []string) []map[string]any {
		assert.Equal(t, []string{"HGX2Y8"}, tags)
		return []map[string]any{entitled("HGX2Y8", "2025-01-15T00:00:00Z", "2027-01-15T00:00:00Z")}
	}}
	client, _ := newTestClient(t, stub)

	w, err := client.Lookup(context.Background(), "DIAHGX2Y8")
	require.NoError(t, err)
	assert.Equal(t, "DIAHGX2Y8", w.ServiceTag)
	assert.Equal(t, "HGX2Y8", w.CleanTag)
	assert.Equal(t, StatusActive, w.Status)
	require.NotNil(t, w.EndDate)
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), *w.EndDate)
	require.NotNil(t, w.StartDate)
	assert.Equal(t, "Latitude 5440", w.ProductLineDescription)
	assert.Len(t, w.Entitlements, 2)
}

func TestLookupExpiredAndUnknown(t *testing.T) {
	stub := &vendorStub{assets: func([]string) []map[string]any {
		return []map[string]any{entitled("AAAAA1", "2020-01-01T00:00:00Z")}
	}}
	client, _ := newTestClient(t, stub)

	w, err := client.Lookup(context.Background(), "AAAAA1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, w.Status)

	// No entitlements at all: status Unknown, no end date.
	stub.assets = func([]string) []map[string]any {
		return []map[string]any{entitled("AAAAA1")}
	}
	w, err = client.Lookup(context.Background(), "AAAAA1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, w.Status)
	assert.Nil(t, w.EndDate)
}

func TestLookupVendorErrors(t *testing.T) {
	stub := &vendorStub{assets: func([]string) []map[string]any { return []map[string]any{} }}
	client, _ := newTestClient(t, stub)

	_, err := client.Lookup(context.Background(), "AAAAA1")
	assert.Equal(t, CodeServiceTagNotFound, CodeOf(err))

	stub.assets = func([]string) []map[string]any {
		return []map[string]any{{"serviceTag": "AAAAA1", "invalid": true}}
	}
	_, err = client.Lookup(context.Background(), "AAAAA1")
	assert.Equal(t, CodeInvalidServiceTag, CodeOf(err))

	stub.lookupStatus = http.StatusNotFound
	_, err = client.Lookup(context.Background(), "AAAAA1")
	assert.Equal(t, CodeServiceTagNotFound, CodeOf(err))

	stub.lookupStatus = http.StatusInternalServerError
	_, err = client.Lookup(context.Background(), "AAAAA1")
	require.Error(t, err)
	assert.Equal(t, CodeAPIError, CodeOf(err))
	assert.Contains(t, err.Error(), "DELL_API_ERROR_500")
}

func TestLookupRejectsNonVendorTags(t *testing.T) {
	stub := &vendorStub{}
	client, _ := newTestClient(t, stub)

	_, err := client.Lookup(context.Background(), "APPSRV01")
	assert.Equal(t, CodeNotDellMachine, CodeOf(err))

	_, err = client.Lookup(context.Background(), "AB1")
	assert.Equal(t, CodeInvalidServiceTag, CodeOf(err))

	assert.Zero(t, stub.lookupRequests.Load(), "no network calls for rejected tags")
}

func TestLookupRefreshesTokenOnceOn401(t *testing.T) {
	stub := &vendorStub{assets: func([]string) []map[string]any {
		return []map[string]any{entitled("AAAAA1", "2030-01-01T00:00:00Z")}
	}}
	stub.reject401.Store(1)
	client, _ := newTestClient(t, stub)

	w, err := client.Lookup(context.Background(), "AAAAA1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)
	assert.Equal(t, int32(2), stub.tokenRequests.Load(), "initial fetch plus one refresh")
	assert.Equal(t, int32(2), stub.lookupRequests.Load(), "one retry after refresh")
}

func TestLookupPersistent401IsAuthError(t *testing.T) {
	stub := &vendorStub{}
	stub.reject401.Store(2)
	client, _ := newTestClient(t, stub)

	_, err := client.Lookup(context.Background(), "AAAAA1")
	assert.Equal(t, CodeAuthError, CodeOf(err))
}

func TestTokenReuseWhileValid(t *testing.T) {
	stub := &vendorStub{assets: func([]string) []map[string]any {
		return []map[string]any{entitled("AAAAA1", "2030-01-01T00:00:00Z")}
	}}
	client, _ := newTestClient(t, stub)

	for range 3 {
		_, err := client.Lookup(context.Background(), "AAAAA1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), stub.tokenRequests.Load())
}

func TestBatchLookupChunksAndFolds(t *testing.T) {
	var requestSizes []int
	stub := &vendorStub{assets: func(tags []string) []map[string]any {
		requestSizes = append(requestSizes, len(tags))
		out := make([]map[string]any, 0, len(tags))
		for _, tag := range tags {
			if tag == "MISSING9" {
				continue // the vendor silently drops unknown tags
			}
			out = append(out, entitled(tag, "2030-01-01T00:00:00Z"))
		}
		return out
	}}
	client, _ := newTestClient(t, stub)

	tags := make([]string, 0, 120)
	for i := range 119 {
		tags = append(tags, fmt.Sprintf("TAG%05d", i))
	}
	tags = append(tags, "MISSING9")

	results := client.BatchLookup(context.Background(), tags)
	require.Len(t, results, 120)
	assert.Equal(t, []int{100, 20}, requestSizes)

	assert.Equal(t, CodeServiceTagNotFound, CodeOf(results["MISSING9"].Err))
	ok := results["TAG00042"]
	require.NotNil(t, ok.Warranty)
	assert.Equal(t, StatusActive, ok.Warranty.Status)
}

func TestBatchLookupKeysBySentTag(t *testing.T) {
	stub := &vendorStub{assets: func(tags []string) []map[string]any {
		assert.Equal(t, []string{"HGX2Y8"}, tags)
		return []map[string]any{entitled("HGX2Y8", "2030-01-01T00:00:00Z")}
	}}
	client, _ := newTestClient(t, stub)

	results := client.BatchLookup(context.Background(), []string{"DIAHGX2Y8"})
	require.Contains(t, results, "DIAHGX2Y8")
	require.NotNil(t, results["DIAHGX2Y8"].Warranty)
}

func TestBatchLookupFansOutCollidingTags(t *testing.T) {
	stub := &vendorStub{assets: func(tags []string) []map[string]any {
		// Prefixed and bare spellings collapse to one vendor tag.
		assert.Equal(t, []string{"HGX2Y8", "MISSING9"}, tags)
		return []map[string]any{entitled("HGX2Y8", "2030-01-01T00:00:00Z")}
	}}
	client, _ := newTestClient(t, stub)

	results := client.BatchLookup(context.Background(), []string{"DIAHGX2Y8", "HGX2Y8", "SHQMISSING9", "MISSING9"})
	require.Len(t, results, 4)
	for _, sent := range []string{"DIAHGX2Y8", "HGX2Y8"} {
		require.NotNil(t, results[sent].Warranty, sent)
		assert.Equal(t, StatusActive, results[sent].Warranty.Status)
	}
	for _, sent := range []string{"SHQMISSING9", "MISSING9"} {
		assert.Equal(t, CodeServiceTagNotFound, CodeOf(results[sent].Err), sent)
	}
}
