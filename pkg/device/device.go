// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package device holds the environment and device identity model shared by
// the credential parser, the API client and the uplink.
package device

import (
	"fmt"

	"golang.org/x/text/language"
)

// Environment identifies the platform instance a device talks to. It is
// embedded in the device certificate.
type Environment int

const (
	// Production is the live platform.
	Production Environment = 0
	// Staging is the testing platform.
	Staging Environment = 1
	// LocalDevelopment is CI or a developer workstation.
	LocalDevelopment Environment = 2
)

// String implements fmt.Stringer.
func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Staging:
		return "staging"
	case LocalDevelopment:
		return "local-development"
	default:
		return fmt.Sprintf("environment(%d)", int(e))
	}
}

// Valid reports whether e is a known environment ordinal.
func (e Environment) Valid() bool {
	return e == Production || e == Staging || e == LocalDevelopment
}

// APIURL returns the base URL of the request/response cloud API.
func (e Environment) APIURL() string {
	switch e {
	case Production:
		return "https://api.pylon.dev"
	case Staging:
		return "https://api.test.pylon.dev"
	default:
		return "http://127.0.0.1"
	}
}

// UplinkHost returns the hostname of the framed TLS uplink.
func (e Environment) UplinkHost() string {
	switch e {
	case Production:
		return "api.pylon.dev"
	default:
		return "api.test.pylon.dev"
	}
}

// CultureContext carries the device's locale settings as reported by the
// cloud. Units is either "metric" or "imperial".
type CultureContext struct {
	Language string `json:"language"`
	Timezone string `json:"timezone"`
	Units    string `json:"units"`
}

// LanguageTag parses the ISO 639-1 language into a BCP 47 tag, returning
// language.Und when the field does not parse.
func (c CultureContext) LanguageTag() language.Tag {
	tag, err := language.Parse(c.Language)
	if err != nil {
		return language.Und
	}
	return tag
}

// SlaveDeviceInfo describes a slave device attached to the primary device.
type SlaveDeviceInfo struct {
	DeviceID           string `json:"device_id"`
	MasterController   string `json:"master_controller"`
	ResponsibleService string `json:"responsible_service"`
	Configuration      string `json:"configuration"`
}

// Info is the device metadata document served by GET /v1/device.
type Info struct {
	DeviceID       string            `json:"device_id"`
	Facets         []string          `json:"facets"`
	CultureContext CultureContext    `json:"culture_context"`
	VerboseName    string            `json:"verbose_name"`
	Slaves         []SlaveDeviceInfo `json:"slave_devices"`
}

// HasFacet reports whether access through the named interface is allowed.
func (i *Info) HasFacet(facet string) bool {
	for _, f := range i.Facets {
		if f == facet {
			return true
		}
	}
	return false
}
