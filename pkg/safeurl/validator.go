// Package safeurl validates externally supplied URLs and derived file paths
// before the fetcher touches them. URL checks guard against SSRF: only
// http/https, no loopback, private, link-local or multicast destinations,
// and the verdict is based on the resolved addresses rather than the
// hostname string so a DNS record pointing at 127.0.0.1 is caught too.
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrUnsafeURL marks a URL rejected by policy. The wrapped reason is for
	// logs only; user-facing messages stay generic.
	ErrUnsafeURL = errors.New("unsafe url")

	// ErrUnsafePath marks a computed path escaping its intended root.
	ErrUnsafePath = errors.New("unsafe path")
)

const resolveTimeout = 5 * time.Second

// LookupFunc resolves a hostname to IP addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Validator applies the URL policy. The zero value is not usable; construct
// with New.
type Validator struct {
	lookup    LookupFunc
	denyHosts map[string]bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithLookup overrides DNS resolution.
func WithLookup(fn LookupFunc) Option {
	return func(v *Validator) { v.lookup = fn }
}

// WithDenyHosts adds hostnames that are rejected outright, resolution aside.
func WithDenyHosts(hosts []string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			v.denyHosts[strings.ToLower(h)] = true
		}
	}
}

// New creates a Validator with the default system resolver.
func New(opts ...Option) *Validator {
	v := &Validator{
		lookup:    defaultLookup,
		denyHosts: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Validate checks rawURL against the policy and returns an error wrapping
// ErrUnsafeURL on any rejection. Details are logged at debug level, never
// surfaced to chat.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	err := v.validate(ctx, rawURL)
	if err != nil {
		log.Debug().Err(err).Str("url", rawURL).Msg("URL rejected")
	}
	return err
}

func (v *Validator) validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable: %v", ErrUnsafeURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrUnsafeURL, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	if host == "localhost" || host == "0.0.0.0" {
		return fmt.Errorf("%w: host %q", ErrUnsafeURL, host)
	}
	if v.denyHosts[host] {
		return fmt.Errorf("%w: host %q denied by policy", ErrUnsafeURL, host)
	}

	// IP literal: no resolution needed.
	if addr, perr := netip.ParseAddr(host); perr == nil {
		if reason := addrReason(addr); reason != "" {
			return fmt.Errorf("%w: %s address %s", ErrUnsafeURL, reason, addr)
		}
		return nil
	}

	// Hostname: every resolved address must be public. Checking all of them
	// closes the DNS round-robin variant of rebinding.
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	addrs, err := v.lookup(rctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolution failed for %q: %v", ErrUnsafeURL, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %q resolves to nothing", ErrUnsafeURL, host)
	}
	for _, addr := range addrs {
		if reason := addrReason(addr); reason != "" {
			return fmt.Errorf("%w: %q resolves to %s address %s", ErrUnsafeURL, host, reason, addr)
		}
	}

	return nil
}

// addrReason returns a non-empty rejection reason for addresses the fetcher
// must never connect to.
func addrReason(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsMulticast():
		return "multicast"
	case addr.IsPrivate():
		return "private"
	}
	return ""
}

// ValidatePath ensures path stays inside root after cleaning, guarding the
// scratch directory against traversal sequences in derived names.
func ValidatePath(path, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes %q", ErrUnsafePath, path, root)
	}
	return nil
}
