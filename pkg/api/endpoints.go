// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pylonhq/pylon-agent/pkg/device"
	"github.com/pylonhq/pylon-agent/pkg/macro"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/sensor"
	"github.com/pylonhq/pylon-agent/pkg/store"
)

// blobVersionHeader carries a blob's version on download and upload.
const blobVersionHeader = "X-BLOB-Version"

// GetDevice fetches the device metadata document.
func (c *Client) GetDevice(ctx context.Context) (*device.Info, error) {
	var info device.Info
	if err := c.do(ctx, http.MethodGet, "/v1/device", DefaultTimeout, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchOrders pulls the sections queued for this device.
func (c *Client) FetchOrders(ctx context.Context) ([]*order.Section, error) {
	var raw []interface{}
	if err := c.do(ctx, http.MethodPost, "/v1/device/orders", BulkTimeout, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	sections, err := order.SectionsFromList(raw)
	if err != nil {
		return nil, &ResponseError{StatusCode: http.StatusOK, Status: err.Error()}
	}
	return sections, nil
}

// ConfirmMessage acknowledges a delivered Message order.
func (c *Client) ConfirmMessage(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/v1/device/orders/message/"+url.PathEscape(uuid), DefaultTimeout, nil, nil)
}

// SensorRow is one row of the sensor catalog listing.
type SensorRow struct {
	FQTS     string `json:"fqts"`
	Path     string `json:"path"`
	TypeName string `json:"type"`
}

// GetSensors fetches the sensor catalog.
func (c *Client) GetSensors(ctx context.Context) ([]SensorRow, error) {
	var rows []SensorRow
	if err := c.do(ctx, http.MethodGet, "/v1/device/sensors", DefaultTimeout, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PostPathpoints pushes a batch of pending samples.
func (c *Client) PostPathpoints(ctx context.Context, batches []pathpoint.WireBatch) error {
	return c.do(ctx, http.MethodPost, "/v1/device/pathpoints", BulkTimeout, batches, nil)
}

// CatalogRow is one row of the authoritative pathpoint shape.
type CatalogRow struct {
	Path    string `json:"path"`
	Storage *int   `json:"storage_level"`
}

// PutPathpoints declares the local pathpoint shape and returns the
// authoritative one.
func (c *Client) PutPathpoints(ctx context.Context, entries []store.CatalogEntry) ([]CatalogRow, error) {
	body := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		body = append(body, e.AsWire())
	}
	var rows []CatalogRow
	if err := c.do(ctx, http.MethodPut, "/v1/device/pathpoints", DefaultTimeout, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// archiveRow is one row of the archive schedule listing.
type archiveRow struct {
	Interval   int      `json:"interval"`
	Pathpoints []string `json:"pathpoints"`
}

// GetArchivingInstructions fetches the archive schedule.
func (c *Client) GetArchivingInstructions(ctx context.Context) (store.ArchivingInstructions, error) {
	var rows []archiveRow
	if err := c.do(ctx, http.MethodGet, "/v1/device/pathpoints/archived", DefaultTimeout, nil, &rows); err != nil {
		return nil, err
	}
	out := make(store.ArchivingInstructions, len(rows))
	for _, row := range rows {
		out[row.Interval] = row.Pathpoints
	}
	return out, nil
}

// GetPredicates fetches the authoritative predicate rows. Offline rows are
// returned too; the communicator decides what to do with them.
func (c *Client) GetPredicates(ctx context.Context) ([]predicate.Definition, []string, error) {
	var raw []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/v1/device/predicates", DefaultTimeout, nil, &raw); err != nil {
		return nil, nil, err
	}
	var online []predicate.Definition
	var offline []string
	for _, row := range raw {
		def, isOnline, err := predicate.DefinitionFromWire(row)
		if err != nil {
			return nil, nil, &ResponseError{StatusCode: http.StatusOK, Status: err.Error()}
		}
		if isOnline {
			online = append(online, def)
		} else {
			offline = append(offline, def.PredicateID)
		}
	}
	return online, offline, nil
}

// PostEvents pushes an event batch and returns the server-assigned UUIDs,
// positionally.
func (c *Client) PostEvents(ctx context.Context, events []*predicate.Event) ([]string, error) {
	body := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		body = append(body, e.AsWire())
	}
	var rows []struct {
		UUID string `json:"uuid"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/device/alarms", DefaultTimeout, body, &rows); err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(rows))
	for _, row := range rows {
		uuids = append(uuids, row.UUID)
	}
	return uuids, nil
}

// GetMacroOccurrences fetches the macros with occurrences in [start, stop).
func (c *Client) GetMacroOccurrences(ctx context.Context, start, stop int64) ([]*macro.Macro, error) {
	path := fmt.Sprintf("/v1/device/macro/occurrences/%d-%d", start, stop)
	var raw []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, path, DefaultTimeout, nil, &raw); err != nil {
		return nil, err
	}
	macros := make([]*macro.Macro, 0, len(raw))
	for _, row := range raw {
		m, err := macro.FromWire(row)
		if err != nil {
			return nil, &ResponseError{StatusCode: http.StatusOK, Status: err.Error()}
		}
		macros = append(macros, m)
	}
	return macros, nil
}

// ConfirmMacroFiring reports one carried-out macro occurrence.
func (c *Client) ConfirmMacroFiring(ctx context.Context, macroID string, ts float64) error {
	path := fmt.Sprintf("/v1/device/macros/%s/%s", url.PathEscape(macroID),
		strconv.FormatFloat(ts, 'f', -1, 64))
	return c.do(ctx, http.MethodPost, path, DefaultTimeout, nil, nil)
}

// PutDeviceLogs pushes a log-record batch.
func (c *Client) PutDeviceLogs(ctx context.Context, records []map[string]interface{}) error {
	return c.do(ctx, http.MethodPut, "/v1/device/device_logs", DefaultTimeout, records, nil)
}

// PutSensorWriteLog pushes the sensor-write audit batch.
func (c *Client) PutSensorWriteLog(ctx context.Context, events []sensor.WriteEvent) error {
	body := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		body = append(body, e.AsWire())
	}
	return c.do(ctx, http.MethodPut, "/v1/device/sensor/write_log", DefaultTimeout, body, nil)
}

// BAOBReconciliation is the server's verdict on the local blob set.
type BAOBReconciliation struct {
	Download []string `json:"should_download"`
	Upload   []string `json:"should_upload"`
	Delete   []string `json:"should_delete"`
}

// ReconcileBAOBs sends the local blob digests and returns what to do about
// them.
func (c *Client) ReconcileBAOBs(ctx context.Context, digests []store.BAOBDigest) (*BAOBReconciliation, error) {
	if digests == nil {
		digests = []store.BAOBDigest{}
	}
	var verdict BAOBReconciliation
	if err := c.do(ctx, http.MethodPost, "/v1/device/baobs", DefaultTimeout, digests, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// DownloadBAOB fetches a blob's bytes and version.
func (c *Client) DownloadBAOB(ctx context.Context, key string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, BulkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/device/baobs/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, 0, noLink(err)
	}
	if c.certHeader != "" {
		req.Header.Set(clientCertHeader, c.certHeader)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, noLink(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, noLink(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &ResponseError{StatusCode: resp.StatusCode, Status: statusOf(raw)}
	}
	version, err := strconv.Atoi(resp.Header.Get(blobVersionHeader))
	if err != nil {
		return nil, 0, &ResponseError{StatusCode: resp.StatusCode, Status: "missing or malformed " + blobVersionHeader}
	}
	return raw, version, nil
}

// UploadBAOB pushes a blob's bytes at the given version.
func (c *Client) UploadBAOB(ctx context.Context, key string, data []byte, version int) error {
	ctx, cancel := context.WithTimeout(ctx, BulkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/v1/device/baobs/"+url.PathEscape(key), bytes.NewReader(data))
	if err != nil {
		return noLink(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(blobVersionHeader, strconv.Itoa(version))
	if c.certHeader != "" {
		req.Header.Set(clientCertHeader, c.certHeader)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return noLink(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return noLink(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &ResponseError{StatusCode: resp.StatusCode, Status: statusOf(raw)}
	}
	return nil
}

// MetadataValue is the plain-metadata document for one key.
type MetadataValue struct {
	Value     string  `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// GetPlainMetadata fetches one metadata entry.
func (c *Client) GetPlainMetadata(ctx context.Context, key string) (*MetadataValue, error) {
	var out MetadataValue
	if err := c.do(ctx, http.MethodGet, "/v1/device/metadata/plain/"+url.PathEscape(key), DefaultTimeout, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutPlainMetadata writes one metadata entry unless the server holds a
// fresher one.
func (c *Client) PutPlainMetadata(ctx context.Context, key, value string, unlessTimestampHigher float64) error {
	body := map[string]interface{}{
		"value":                   value,
		"unless_timestamp_higher": unlessTimestampHigher,
	}
	return c.do(ctx, http.MethodPut, "/v1/device/metadata/plain/"+url.PathEscape(key), DefaultTimeout, body, nil)
}

// DeletePlainMetadata removes one metadata entry.
func (c *Client) DeletePlainMetadata(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/v1/device/metadata/plain/"+url.PathEscape(key), DefaultTimeout, nil, nil)
}

// GetInstrumentation fetches a slave device's link state and free-form
// instrumentation document.
func (c *Client) GetInstrumentation(ctx context.Context, slaveID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/v1/device/instrumentation/"+url.PathEscape(slaveID), DefaultTimeout, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchInstrumentation updates fields of a slave device's instrumentation
// document.
func (c *Client) PatchInstrumentation(ctx context.Context, slaveID string, fields map[string]interface{}) error {
	return c.do(ctx, http.MethodPatch, "/v1/device/instrumentation/"+url.PathEscape(slaveID), DefaultTimeout, fields, nil)
}
