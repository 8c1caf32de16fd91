// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package certs parses the device's X.509 credentials. The platform issues
// each device a certificate carrying its device id and target environment in
// private extensions; everything the agent knows about its own identity
// comes from here.
package certs

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/pylonhq/pylon-agent/pkg/device"
)

// Private extension OIDs under the platform's arc.
var (
	// OIDDeviceID holds the device identifier.
	OIDDeviceID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55338, 0, 0}
	// OIDEnvironment holds the environment ordinal.
	OIDEnvironment = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55338, 0, 1}
)

// InvalidCredentials means the supplied certificate or key cannot identify
// this device. Fatal at startup.
type InvalidCredentials struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *InvalidCredentials) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid credentials: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid credentials: %s", e.Reason)
}

// Unwrap implements errors.Unwrap.
func (e *InvalidCredentials) Unwrap() error { return e.Err }

func invalid(reason string, err error) *InvalidCredentials {
	return &InvalidCredentials{Reason: reason, Err: err}
}

// Identity is what the device certificate declares about its bearer.
type Identity struct {
	DeviceID    string
	Environment device.Environment
}

// ParseDeviceCertificate extracts the device identity from a PEM-encoded
// certificate.
func ParseDeviceCertificate(pemData []byte) (Identity, error) {
	cert, err := firstCertificate(pemData)
	if err != nil {
		return Identity{}, err
	}

	rawID, ok := extensionValue(cert, OIDDeviceID)
	if !ok {
		return Identity{}, invalid("certificate carries no device id", nil)
	}
	deviceID, err := derString(rawID)
	if err != nil {
		return Identity{}, invalid("unable to decode device id", err)
	}

	rawEnv, ok := extensionValue(cert, OIDEnvironment)
	if !ok {
		return Identity{}, invalid("certificate carries no environment", nil)
	}
	ordinal, err := derInt(rawEnv)
	if err != nil {
		return Identity{}, invalid("unable to decode environment", err)
	}
	env := device.Environment(ordinal)
	if !env.Valid() {
		return Identity{}, invalid(fmt.Sprintf("unrecognized environment %d", ordinal), nil)
	}

	return Identity{DeviceID: deviceID, Environment: env}, nil
}

func firstCertificate(pemData []byte) (*x509.Certificate, error) {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, invalid("no certificate in PEM data", nil)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, invalid("unable to parse certificate", err)
		}
		return cert, nil
	}
}

func extensionValue(cert *x509.Certificate, oid asn1.ObjectIdentifier) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value, true
		}
	}
	return nil, false
}

// derString decodes a DER-encoded string of any of the tags the platform CA
// has been observed to emit.
func derString(raw []byte) (string, error) {
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(raw, &rv); err != nil {
		return "", err
	}
	switch rv.Tag {
	case asn1.TagUTF8String, asn1.TagPrintableString, asn1.TagIA5String:
		return string(rv.Bytes), nil
	default:
		return "", fmt.Errorf("unexpected ASN.1 tag %d", rv.Tag)
	}
}

func derInt(raw []byte) (int, error) {
	var n int
	if _, err := asn1.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}
