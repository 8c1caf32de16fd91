// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package certs

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
)

// Material is one piece of credential input: either a file path or the PEM
// bytes themselves.
type Material struct {
	Path string
	PEM  []byte
}

// FromFile points the material at a file on disk.
func FromFile(path string) Material { return Material{Path: path} }

// FromPEM carries the material in memory.
func FromPEM(pem []byte) Material { return Material{PEM: pem} }

// Provided reports whether any material was given at all.
func (m Material) Provided() bool { return m.Path != "" || len(m.PEM) > 0 }

// Load returns the PEM bytes, reading the file when path-backed.
func (m Material) Load() ([]byte, error) {
	if m.Path != "" {
		data, err := os.ReadFile(m.Path)
		if err != nil {
			return nil, fmt.Errorf("unable to read %s: %w", m.Path, err)
		}
		return data, nil
	}
	return m.PEM, nil
}

// Credentials is the agent's loaded credential set. In-memory material is
// spooled to temp files so external consumers can be pointed at paths; the
// trust anchors are concatenated to one temp bundle for the TLS layer.
// Close removes every temp file created here.
type Credentials struct {
	Identity Identity

	certPEM  []byte
	keyPEM   []byte
	certFile string
	keyFile  string

	trustPEM  []byte
	trustFile string

	tlsCert tls.Certificate
	pool    *x509.CertPool

	temps []string
}

// Load parses and spools the device credentials. cas are the platform's
// trust anchors (device CA, root CA, …) in PEM, concatenated in order; with
// none given the system roots are trusted instead.
func Load(cert, key Material, cas ...[]byte) (*Credentials, error) {
	if !cert.Provided() || !key.Provided() {
		return nil, invalid("certificate and key are both required", nil)
	}
	certPEM, err := cert.Load()
	if err != nil {
		return nil, invalid("unable to load certificate", err)
	}
	keyPEM, err := key.Load()
	if err != nil {
		return nil, invalid("unable to load private key", err)
	}

	identity, err := ParseDeviceCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, invalid("certificate and key do not form a pair", err)
	}

	c := &Credentials{
		Identity: identity,
		certPEM:  certPEM,
		keyPEM:   keyPEM,
		certFile: cert.Path,
		keyFile:  key.Path,
		tlsCert:  tlsCert,
	}

	if c.certFile == "" {
		if c.certFile, err = c.spool("pylon-cert-*.pem", certPEM); err != nil {
			return nil, err
		}
	}
	if c.keyFile == "" {
		if c.keyFile, err = c.spool("pylon-key-*.pem", keyPEM); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	if len(cas) > 0 {
		c.trustPEM = bytes.Join(cas, []byte("\n"))
		c.pool = x509.NewCertPool()
		if !c.pool.AppendCertsFromPEM(c.trustPEM) {
			_ = c.Close()
			return nil, invalid("trust anchors do not parse", nil)
		}
		if c.trustFile, err = c.spool("pylon-trust-*.pem", c.trustPEM); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Credentials) spool(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("unable to create temp credential file: %w", err)
	}
	name := f.Name()
	c.temps = append(c.temps, name)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("unable to write temp credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("unable to close temp credential file: %w", err)
	}
	return name, nil
}

// CertPEM returns the certificate in PEM.
func (c *Credentials) CertPEM() []byte { return c.certPEM }

// CertFile returns a path holding the certificate.
func (c *Credentials) CertFile() string { return c.certFile }

// KeyFile returns a path holding the private key.
func (c *Credentials) KeyFile() string { return c.keyFile }

// TrustFile returns the path of the concatenated trust bundle, or "" when
// the system roots are in use.
func (c *Credentials) TrustFile() string { return c.trustFile }

// TLSCertificate returns the parsed client certificate for mutual TLS.
func (c *Credentials) TLSCertificate() tls.Certificate { return c.tlsCert }

// TrustPool returns the platform trust anchors, nil meaning system roots.
func (c *Credentials) TrustPool() *x509.CertPool { return c.pool }

// Close removes every temp file spooled at load.
func (c *Credentials) Close() error {
	var errs *multierror.Error
	for _, name := range c.temps {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, err)
		}
	}
	c.temps = nil
	return errs.ErrorOrNil()
}
