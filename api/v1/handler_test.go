// Package v1_test contains tests for the API v1 handlers
package v1_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sitepulse/internal/analytics"
	"sitepulse/internal/testsupport"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func setupApp(t *testing.T, domains ...string) (*fiber.App, *gorm.DB) {
	t.Helper()

	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	for _, domain := range domains {
		testsupport.CreateTestProject(db, domain)
	}
	return testsupport.CreateMinimalTestApp(t, db), db
}

func send(t *testing.T, app *fiber.App, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", chromeUA)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, 30000)
	require.NoError(t, err)
	return resp
}

func sendJSON(t *testing.T, app *fiber.App, path string, payload map[string]interface{}, headers map[string]string) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return send(t, app, path, body, headers)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoErrorf(t, json.Unmarshal(body, &out), "body: %s", string(body))
	return out
}

func pageview(domain, url, path string) map[string]interface{} {
	return map[string]interface{}{
		"domain":     domain,
		"url":        url,
		"path":       path,
		"event":      "pageview",
		"visitor_id": "v-1",
		"session_id": "s-1",
	}
}

func aggregateTotals(t *testing.T, db *gorm.DB) (int64, int64) {
	t.Helper()

	var aggregate analytics.AnalyticsAggregate
	if err := db.First(&aggregate).Error; err != nil {
		return 0, 0
	}
	return aggregate.TotalPageVisits, aggregate.TotalVisitors
}

func TestCreateEvent(t *testing.T) {
	t.Run("accepts pageview for registered project", func(t *testing.T) {
		app, db := setupApp(t, "example.com")

		resp := sendJSON(t, app, "/api/event", pageview("example.com", "https://example.com/pricing", "/pricing"),
			map[string]string{"CF-IPCountry": "DE"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "pageview", body["event"])
		assert.Equal(t, true, body["received"])

		pageVisits, visitors := aggregateTotals(t, db)
		assert.Equal(t, int64(1), pageVisits)
		assert.Equal(t, int64(0), visitors)

		var route analytics.RouteStat
		require.NoError(t, db.Where("route = ?", "/pricing").First(&route).Error)
		assert.Equal(t, int64(1), route.PageVisits)
	})

	t.Run("session start counts a visitor per dimension", func(t *testing.T) {
		app, db := setupApp(t, "example.com")

		payload := pageview("example.com", "https://example.com/", "/")
		payload["event"] = "session_start"
		payload["utm"] = map[string]interface{}{"source": "newsletter"}

		resp := sendJSON(t, app, "/api/event", payload, map[string]string{"CF-IPCountry": "FR"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		_, visitors := aggregateTotals(t, db)
		assert.Equal(t, int64(1), visitors)

		var country analytics.CountryStat
		require.NoError(t, db.First(&country).Error)
		assert.Equal(t, "FR", country.Country)
		assert.Equal(t, int64(1), country.Visitors)

		var source analytics.SourceStat
		require.NoError(t, db.First(&source).Error)
		assert.Equal(t, "newsletter", source.Source)
	})

	t.Run("soft rejects local urls with 200", func(t *testing.T) {
		app, db := setupApp(t, "example.com")

		resp := sendJSON(t, app, "/api/event", pageview("example.com", "http://localhost:3000/", "/"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "LOCAL_URL", body["code"])
		assert.NotEmpty(t, body["error"])
		assert.Nil(t, body["success"])

		pageVisits, _ := aggregateTotals(t, db)
		assert.Equal(t, int64(0), pageVisits)
	})

	t.Run("soft rejects domain mismatch", func(t *testing.T) {
		app, _ := setupApp(t, "example.com")

		resp := sendJSON(t, app, "/api/event", pageview("example.com", "https://other.org/", "/"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "DOMAIN_MISMATCH", decodeBody(t, resp)["code"])
	})

	t.Run("soft rejects unknown project", func(t *testing.T) {
		app, _ := setupApp(t)

		resp := sendJSON(t, app, "/api/event", pageview("unknown.com", "https://unknown.com/", "/"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "PROJECT_NOT_FOUND", decodeBody(t, resp)["code"])
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		app, _ := setupApp(t, "example.com")

		resp := send(t, app, "/api/event", []byte("{not json"), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.NotEmpty(t, decodeBody(t, resp)["error"])
	})

	t.Run("missing required fields is a bad request", func(t *testing.T) {
		app, _ := setupApp(t, "example.com")

		resp := sendJSON(t, app, "/api/event", map[string]interface{}{"event": "pageview"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown event name is a bad request", func(t *testing.T) {
		app, _ := setupApp(t, "example.com")

		payload := pageview("example.com", "https://example.com/", "/")
		payload["event"] = "purchase"
		resp := sendJSON(t, app, "/api/event", payload, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateBeaconEvent(t *testing.T) {
	t.Run("records and answers 202", func(t *testing.T) {
		app, db := setupApp(t, "example.com")

		body, err := json.Marshal(pageview("example.com", "https://example.com/docs", "/docs"))
		require.NoError(t, err)

		resp := send(t, app, "/api/event/beacon", body, map[string]string{"Content-Type": "text/plain;charset=UTF-8"})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		pageVisits, _ := aggregateTotals(t, db)
		assert.Equal(t, int64(1), pageVisits)
	})

	t.Run("answers 202 even when rejected", func(t *testing.T) {
		app, db := setupApp(t, "example.com")

		resp := send(t, app, "/api/event/beacon", []byte("garbage"), nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp = sendJSON(t, app, "/api/event/beacon", pageview("example.com", "http://127.0.0.1/", "/"), nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		pageVisits, _ := aggregateTotals(t, db)
		assert.Equal(t, int64(0), pageVisits)
	})
}

func TestEventPreflight(t *testing.T) {
	app, _ := setupApp(t)

	for _, path := range []string{"/api/event", "/api/event/beacon"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")

		resp, err := app.Test(req)
		require.NoError(t, err)

		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), path)
		assert.True(t, strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST"), path)
	}
}

func TestCreateEventUsesForwardedUserAgent(t *testing.T) {
	app, db := setupApp(t, "example.com")

	payload := pageview("example.com", "https://example.com/", "/")
	payload["event"] = "session_start"

	resp := sendJSON(t, app, "/api/event", payload, map[string]string{
		"X-Forwarded-User-Agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var device analytics.DeviceStat
	require.NoError(t, db.First(&device).Error)
	assert.Equal(t, "MOBILE", device.Device)

	var os analytics.OSStat
	require.NoError(t, db.First(&os).Error)
	assert.Equal(t, "iOS", os.OS)
}
