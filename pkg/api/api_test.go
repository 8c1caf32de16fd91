// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/device"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/store"
)

func makeStagingCredentials(t *testing.T) *certs.Credentials {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	idDER, err := asn1.Marshal("boiler-7")
	require.NoError(t, err)
	envDER, err := asn1.Marshal(int(device.Staging))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "boiler-7"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: certs.OIDDeviceID, Value: idDER},
			{Id: certs.OIDEnvironment, Value: envDER},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	creds, err := certs.Load(certs.FromPEM(certPEM), certs.FromPEM(keyPEM))
	require.NoError(t, err)
	t.Cleanup(func() { _ = creds.Close() })
	return creds
}

func TestStagingAuthFoldsCertificateHeader(t *testing.T) {
	creds := makeStagingCredentials(t)

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-SSL-Client-Certificate")
		_, _ = w.Write([]byte(`{"device_id":"boiler-7","facets":[]}`))
	}))
	defer srv.Close()

	c := NewClient(creds)
	c.baseURL = srv.URL

	_, err := c.GetDevice(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.NotContains(t, got, "\n")
	assert.Contains(t, got, "\t")
	assert.Equal(t, string(creds.CertPEM()), strings.ReplaceAll(got, "\t", "\n"))
}

func TestUnreachableServerReportsNoLink(t *testing.T) {
	c := NewClientWithBaseURL("http://127.0.0.1:1")

	_, err := c.GetDevice(context.Background())
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StatusNoLink, re.StatusCode)
	assert.True(t, re.IsNoLink())
	assert.False(t, re.IsClientsFault())
}

func TestErrorStatusDugFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status": "pathpoint W3 is not known"}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	err := c.PostPathpoints(context.Background(), nil)
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	assert.Equal(t, "pathpoint W3 is not known", re.Status)
	assert.True(t, re.IsClientsFault())
	assert.False(t, re.IsNoLink())
}

func TestErrorStatusFallsBackToRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream is down"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	_, err := c.GetSensors(context.Background())
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "upstream is down", re.Status)
	assert.False(t, re.IsClientsFault())
}

func TestGetDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/device", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"device_id": "boiler-7",
			"facets": ["readonly", "sysctl"],
			"culture_context": {"language": "pl", "timezone": "Europe/Warsaw", "units": "metric"},
			"verbose_name": "Boiler 7",
			"slave_devices": [{"device_id": "boiler-7-s1", "master_controller": "boiler-7", "responsible_service": "heaters", "configuration": "{}"}]
		}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	info, err := c.GetDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "boiler-7", info.DeviceID)
	assert.True(t, info.HasFacet("sysctl"))
	assert.Equal(t, "Europe/Warsaw", info.CultureContext.Timezone)
	require.Len(t, info.Slaves, 1)
	assert.Equal(t, "boiler-7-s1", info.Slaves[0].DeviceID)
}

func TestFetchOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/device/orders", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"disposition": 0, "orders": [
				{"type": "read", "path": "W1", "advise": 1},
				{"type": "write", "path": "W2", "value": 7, "advise": 2, "stale_after": 0}
			]}
		]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	sections, err := c.FetchOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, order.Joinable, sections[0].Disposition())
	assert.Len(t, sections[0].Orders(), 2)
}

func TestFetchOrdersEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	sections, err := c.FetchOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestPostPathpointsBody(t *testing.T) {
	var body []pathpoint.WireBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	batches := []pathpoint.WireBatch{{
		Path:   "W1",
		Values: [][]interface{}{{float64(1000), 42.5}, {false, float64(2000), "timeout"}},
	}}
	require.NoError(t, c.PostPathpoints(context.Background(), batches))
	require.Len(t, body, 1)
	assert.Equal(t, "W1", body[0].Path)
	assert.Len(t, body[0].Values, 2)
}

func TestPutPathpointsReturnsAuthoritativeRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var rows []map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "W1", rows[0]["path"])
		_, _ = w.Write([]byte(`[{"path": "W1", "storage_level": 1}, {"path": "W2", "storage_level": 0}]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	rows, err := c.PutPathpoints(context.Background(), []store.CatalogEntry{
		{Path: "W1", Storage: pathpoint.Trend},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "W1", rows[0].Path)
	require.NotNil(t, rows[0].Storage)
	assert.Equal(t, 1, *rows[0].Storage)
}

func TestGetSensors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/sensors", r.URL.Path)
		_, _ = w.Write([]byte(`[{"fqts": "temp outside", "path": "W1", "type": "float"}]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	rows, err := c.GetSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "temp outside", rows[0].FQTS)
	assert.Equal(t, "float", rows[0].TypeName)
}

func TestGetArchivingInstructions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/pathpoints/archived", r.URL.Path)
		_, _ = w.Write([]byte(`[{"interval": 600, "pathpoints": ["W1", "W2"]}, {"interval": 60, "pathpoints": ["W3"]}]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	instructions, err := c.GetArchivingInstructions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.ArchivingInstructions{
		600: {"W1", "W2"},
		60:  {"W3"},
	}, instructions)
}

func TestGetPredicatesSplitsOnlineAndOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"predicate_id": "p1", "online": true, "statistic": "threshold", "verbose_name": "Too hot", "configuration": {"limit": 90}},
			{"predicate_id": "p2", "online": false, "statistic": "threshold"}
		]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	online, offline, err := c.GetPredicates(context.Background())
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "p1", online[0].PredicateID)
	assert.Equal(t, "threshold", online[0].StatisticName)
	assert.Equal(t, []string{"p2"}, offline)
}

func TestPostEventsAssignsUUIDsPositionally(t *testing.T) {
	var body []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/alarms", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`[{"uuid": "aaa"}, {"uuid": "bbb"}]`))
	}))
	defer srv.Close()

	events := []*predicate.Event{
		predicate.NewEvent(1000, predicate.Red, false, "threshold", "B", "Too hot", nil),
		predicate.NewEvent(1001, predicate.White, true, "threshold", "B", "Blip", nil),
	}

	c := NewClientWithBaseURL(srv.URL)
	uuids, err := c.PostEvents(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, uuids)
	require.Len(t, body, 2)
	assert.Contains(t, body[0], "started_on")
}

func TestGetMacroOccurrences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/macro/occurrences/100-9100", r.URL.Path)
		_, _ = w.Write([]byte(`[{
			"macro_id": "m1",
			"commands": [{"path": "W1", "value": 5}],
			"occurrences": [
				{"timestamp": 150, "completed": false},
				{"timestamp": 120, "completed": true}
			]
		}]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	macros, err := c.GetMacroOccurrences(context.Background(), 100, 9100)
	require.NoError(t, err)
	require.Len(t, macros, 1)
	assert.Equal(t, "m1", macros[0].ID)
	assert.Equal(t, []float64{150}, macros[0].Pending)
}

func TestConfirmMacroFiring(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	require.NoError(t, c.ConfirmMacroFiring(context.Background(), "m1", 1700000000))
	assert.Equal(t, "/v1/device/macros/m1/1700000000", path)
}

func TestBAOBRoundTrip(t *testing.T) {
	var uploadedVersion string
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/v1/device/baobs/schema", r.URL.Path)
			w.Header().Set("X-BLOB-Version", "7")
			_, _ = w.Write([]byte{0x01, 0x02, 0x03})
		case http.MethodPut:
			uploadedVersion = r.Header.Get("X-BLOB-Version")
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	data, version, err := c.DownloadBAOB(context.Background(), "schema")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
	assert.Equal(t, 7, version)

	require.NoError(t, c.UploadBAOB(context.Background(), "schema", []byte{0x0a}, 8))
	assert.Equal(t, "8", uploadedVersion)
	assert.Equal(t, []byte{0x0a}, uploaded)
}

func TestDownloadBAOBWithoutVersionHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	_, _, err := c.DownloadBAOB(context.Background(), "schema")
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Status, "X-BLOB-Version")
}

func TestReconcileBAOBs(t *testing.T) {
	var body []store.BAOBDigest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/baobs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"should_download": ["a"], "should_upload": ["b"], "should_delete": []}`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	verdict, err := c.ReconcileBAOBs(context.Background(), []store.BAOBDigest{{Key: "b", Version: 3}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, verdict.Download)
	assert.Equal(t, []string{"b"}, verdict.Upload)
	assert.Empty(t, verdict.Delete)
	require.Len(t, body, 1)
	assert.Equal(t, "b", body[0].Key)
}

func TestPlainMetadata(t *testing.T) {
	var putBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Path == "/v1/device/metadata/plain/missing" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"status": "no such key"}`))
				return
			}
			_, _ = w.Write([]byte(`{"value": "44", "timestamp": 1700000000.5}`))
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			assert.Equal(t, "/v1/device/metadata/plain/stale", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)

	value, err := c.GetPlainMetadata(context.Background(), "target")
	require.NoError(t, err)
	assert.Equal(t, "44", value.Value)
	assert.Equal(t, 1700000000.5, value.Timestamp)

	_, err = c.GetPlainMetadata(context.Background(), "missing")
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.True(t, re.IsClientsFault())

	require.NoError(t, c.PutPlainMetadata(context.Background(), "target", "45", 1700000001))
	assert.Equal(t, "45", putBody["value"])
	assert.Equal(t, float64(1700000001), putBody["unless_timestamp_higher"])

	require.NoError(t, c.DeletePlainMetadata(context.Background(), "stale"))
}

func TestInstrumentation(t *testing.T) {
	var patched map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/instrumentation/boiler-7-s1", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"linkstate": "up", "instrumentation": "{\"fw\": 3}"}`))
		case http.MethodPatch:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	doc, err := c.GetInstrumentation(context.Background(), "boiler-7-s1")
	require.NoError(t, err)
	assert.Equal(t, "up", doc["linkstate"])

	require.NoError(t, c.PatchInstrumentation(context.Background(), "boiler-7-s1",
		map[string]interface{}{"linkstate": "down"}))
	assert.Equal(t, "down", patched["linkstate"])
}

func TestConfirmMessage(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	require.NoError(t, c.ConfirmMessage(context.Background(), "3f6a"))
	assert.Equal(t, "/v1/device/orders/message/3f6a", path)
}
