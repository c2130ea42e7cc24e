// Package indexclient implements the Package Index Client (C1): fetching
// package metadata, available versions and dependencies from a remote HTTP
// index. Each dependency arrives as its own bare constraint string keyed by
// package name; combined PEP 508-style requirement strings (name, extras
// and markers in one string) are not parsed.
//
// The wire protocol beyond this request/response shape, and the index
// server itself, are out of scope (spec §1); this package only needs a
// narrow capability interface so the resolver (package resolver) can
// substitute a test double.
package indexclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/internal/httputil"
	"github.com/quay/pyenvd/internal/xlog"
)

// Client is the capability interface the Dependency Resolver (C3) depends
// on, narrow enough that tests substitute an httptest.Server-backed fake or
// a generated mock instead of a real index.
type Client interface {
	GetMetadata(ctx context.Context, name string) (*pyenvd.Package, error)
	GetVersions(ctx context.Context, name string) (pyenvd.Versions, error)
	GetDependencies(ctx context.Context, name string, v pyenvd.Version) (map[string]pyenvd.VersionConstraint, error)
}

// Options configures an HTTP-backed Client.
type Options struct {
	BaseURL string
	// ConnectTimeout bounds establishing the TCP/TLS connection.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the full round trip, including response body
	// read.
	RequestTimeout time.Duration
	// InsecureSkipVerify disables TLS verification. Refuses to construct a
	// Client unless allowInsecure is also true, so it can't be flipped on
	// by a stray config value in a production build.
	InsecureSkipVerify bool
}

// HTTPClient fetches package metadata from a remote index over HTTP.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// New constructs an HTTPClient. allowInsecure must be true for
// Options.InsecureSkipVerify to take effect; production builds should
// always pass false (spec §4.1: "may be configured to skip TLS
// verification only in non-production builds").
func New(opts Options, allowInsecure bool) (*HTTPClient, error) {
	if opts.InsecureSkipVerify && !allowInsecure {
		return nil, errs.New(errs.Internal, "indexclient.new", "InsecureSkipVerify requested outside a non-production build")
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &HTTPClient{
		base: opts.BaseURL,
		hc: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
	}, nil
}

type metadataWire struct {
	Name         string                       `json:"name"`
	Versions     []versionWire                `json:"versions"`
	Dependencies map[string]string            `json:"dependencies"`
	Interpreter  string                       `json:"requires_python"`
	Extras       map[string]map[string]string `json:"extras"`
	Description  string                       `json:"description"`
	Author       string                       `json:"author"`
	Homepage     string                       `json:"homepage"`
}

type versionWire struct {
	Version string `json:"version"`
	Yanked  bool   `json:"yanked"`
}

// GetMetadata fetches a package's full descriptor, including its newest
// non-yanked version's dependencies.
func (c *HTTPClient) GetMetadata(ctx context.Context, name string) (*pyenvd.Package, error) {
	const op = "indexclient.get_metadata"
	ctx = xlog.With(ctx, "component", op, "package", name)
	if err := validateName(name); err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	var wire metadataWire
	if err := c.getJSON(ctx, op, "/packages/"+name, &wire); err != nil {
		return nil, err
	}

	deps := make(map[string]pyenvd.VersionConstraint, len(wire.Dependencies))
	for dn, cs := range wire.Dependencies {
		vc, err := pyenvd.ParseConstraint(cs)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, op, err)
		}
		deps[dn] = vc
	}
	var interp pyenvd.VersionConstraint = pyenvd.Any()
	if wire.Interpreter != "" {
		vc, err := pyenvd.ParseConstraint(wire.Interpreter)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, op, err)
		}
		interp = vc
	}
	extras := make(map[string]map[string]pyenvd.VersionConstraint, len(wire.Extras))
	for extra, edeps := range wire.Extras {
		m := make(map[string]pyenvd.VersionConstraint, len(edeps))
		for dn, cs := range edeps {
			vc, err := pyenvd.ParseConstraint(cs)
			if err != nil {
				return nil, errs.Wrap(errs.Protocol, op, err)
			}
			m[dn] = vc
		}
		extras[extra] = m
	}

	versions, err := versionsFromWire(wire.Versions)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, op, err)
	}
	if len(versions) == 0 {
		return nil, errs.New(errs.NotFound, op, "no non-yanked versions available").WithContext("package", name)
	}
	latest := versions[len(versions)-1]

	pkg := &pyenvd.Package{
		PackageId:             pyenvd.PackageId{Name: wire.Name, Version: latest},
		Dependencies:          deps,
		InterpreterConstraint: interp,
		Extras:                extras,
		Description:           wire.Description,
		Author:                wire.Author,
		Homepage:              wire.Homepage,
	}
	if err := pkg.Validate(); err != nil {
		return nil, errs.Wrap(errs.Protocol, op, err)
	}
	return pkg, nil
}

// GetVersions returns the ascending, non-yanked versions available for name.
func (c *HTTPClient) GetVersions(ctx context.Context, name string) (pyenvd.Versions, error) {
	const op = "indexclient.get_versions"
	if err := validateName(name); err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	var wire struct {
		Versions []versionWire `json:"versions"`
	}
	if err := c.getJSON(ctx, op, "/packages/"+name+"/versions", &wire); err != nil {
		return nil, err
	}
	return versionsFromWire(wire.Versions)
}

// GetDependencies returns the dependency constraints for a specific
// (name, version). The response carries no per-requirement interpreter
// constraint, so nothing is filtered by interpreter here.
func (c *HTTPClient) GetDependencies(ctx context.Context, name string, v pyenvd.Version) (map[string]pyenvd.VersionConstraint, error) {
	const op = "indexclient.get_dependencies"
	var wire struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := c.getJSON(ctx, op, fmt.Sprintf("/packages/%s/%s/dependencies", name, v), &wire); err != nil {
		return nil, err
	}
	out := make(map[string]pyenvd.VersionConstraint, len(wire.Dependencies))
	for dn, cs := range wire.Dependencies {
		vc, err := pyenvd.ParseConstraint(cs)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, op, err)
		}
		out[dn] = vc
	}
	return out, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, op, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return errs.Wrap(errs.Network, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errs.New(errs.NotFound, op, "index returned 404").WithContext("path", path)
	}
	if err := httputil.CheckResponse(resp, http.StatusOK); err != nil {
		return errs.Wrap(errs.Network, op, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errs.Wrap(errs.Protocol, op, err)
	}
	return nil
}

func versionsFromWire(ws []versionWire) (pyenvd.Versions, error) {
	out := make(pyenvd.Versions, 0, len(ws))
	for _, w := range ws {
		if w.Yanked {
			continue
		}
		v, err := pyenvd.ParseVersion(w.Version)
		if err != nil {
			return nil, fmt.Errorf("indexclient: %w", err)
		}
		out = append(out, v)
	}
	sortVersions(out)
	return out, nil
}

func sortVersions(vs pyenvd.Versions) {
	// Simple insertion sort: index responses are small (per-package version
	// lists), and this avoids importing "sort" for a single call site.
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].Less(vs[j-1]); j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("indexclient: empty package name")
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("indexclient: package name %q is not printable ASCII", name)
		}
	}
	return nil
}
