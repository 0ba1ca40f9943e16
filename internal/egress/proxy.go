// Package egress performs outbound HTTP on behalf of running tools. Every
// request is checked against the invocation's grant and the deployment
// allowlist, scanned for secret material, and only then sent, with
// credentials injected by the host.
package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/proxy"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/safety"
)

// SecretResolver looks up secret values by name.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, bool)
}

// SecurityRecorder receives leak and policy events for the audit log.
type SecurityRecorder interface {
	RecordSecurityEvent(ctx context.Context, inv *domain.Invocation, kind domain.ErrorKind, detail string)
}

// Resolver is the part of *net.Resolver the proxy uses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Options configures the proxy transport.
type Options struct {
	AllowPrivateNetworks bool
	// UpstreamProxy is an optional http(s):// or socks5:// proxy URL. The
	// proxy itself may sit on an internal address; targets may not.
	UpstreamProxy    string
	MaxResponseBytes int64
	Timeout          time.Duration
	// Resolver checks target hosts when an upstream proxy does the dialing.
	// Defaults to net.DefaultResolver.
	Resolver Resolver
}

// Proxy is shared by all invocations; Bind scopes it to one.
type Proxy struct {
	logger       *slog.Logger
	client       *http.Client
	allowlist    *Allowlist
	credentials  []domain.CredentialMapping
	secrets      SecretResolver
	leaks        *safety.LeakDetector
	security     SecurityRecorder
	allowPrivate bool
	maxBytes     int64
	now          func() time.Time

	// upstream is set when connections go through an upstream proxy, so
	// dialControl only ever sees the proxy's address.
	upstream bool
	resolver Resolver
}

func NewProxy(logger *slog.Logger, opts Options, allow *Allowlist, creds []domain.CredentialMapping,
	secrets SecretResolver, leaks *safety.LeakDetector, security SecurityRecorder) (*Proxy, error) {
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1 << 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	p := &Proxy{
		logger:       logger,
		allowlist:    allow,
		credentials:  creds,
		secrets:      secrets,
		leaks:        leaks,
		security:     security,
		allowPrivate: opts.AllowPrivateNetworks,
		maxBytes:     opts.MaxResponseBytes,
		now:          time.Now,
		upstream:     opts.UpstreamProxy != "",
		resolver:     opts.Resolver,
	}
	transport, err := p.transport(opts)
	if err != nil {
		return nil, err
	}
	p.client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	return p, nil
}

func (p *Proxy) transport(opts Options) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: p.dialControl}
	t := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        32,
		IdleConnTimeout:     60 * time.Second,
	}
	if opts.UpstreamProxy == "" {
		return t, nil
	}
	u, err := url.Parse(opts.UpstreamProxy)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}
	// Only the proxy is dialed from here on; targets are checked by
	// checkResolved before the request is sent.
	direct := &net.Dialer{Timeout: 10 * time.Second}
	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
		t.DialContext = direct.DialContext
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, direct)
		if err != nil {
			return nil, fmt.Errorf("upstream proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("upstream proxy %s does not support contexts", u.Scheme)
		}
		t.DialContext = cd.DialContext
		if u.Scheme == "socks5" {
			t.DialContext = p.pinnedDial(cd)
		}
	default:
		return nil, fmt.Errorf("upstream proxy: unsupported scheme %q", u.Scheme)
	}
	return t, nil
}

// dialControl rejects connections to internal addresses after DNS
// resolution, which also covers rebinding.
func (p *Proxy) dialControl(_, address string, _ syscall.RawConn) error {
	if p.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && isInternalIP(ip) {
		return fmt.Errorf("dial %s denied: internal address", host)
	}
	return nil
}

// checkResolved resolves host and rejects it when any address is internal.
// It stands in for dialControl when an upstream proxy does the dialing.
func (p *Proxy) checkResolved(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !p.allowPrivate && isInternalIP(ip) {
			return nil, domain.NewError(domain.KindEndpointNotAllowed, host, errors.New("internal address"))
		}
		return []net.IP{ip}, nil
	}
	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "resolve "+host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if !p.allowPrivate && isInternalIP(a.IP) {
			return nil, domain.NewError(domain.KindEndpointNotAllowed, host, fmt.Errorf("resolves to internal address %s", a.IP))
		}
		ips = append(ips, a.IP)
	}
	if len(ips) == 0 {
		return nil, domain.Errorf(domain.KindToolFault, "resolve %s: no addresses", host)
	}
	return ips, nil
}

// pinnedDial hands the socks proxy the address checkResolved approved, so
// a second lookup cannot rebind the target.
func (p *Proxy) pinnedDial(d proxy.ContextDialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		ips, err := p.checkResolved(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

// checkRoute is CheckEndpoint plus, behind an upstream proxy, a resolved
// address check of the target.
func (p *Proxy) checkRoute(ctx context.Context, inv *domain.Invocation, rawURL string) (domain.Capability, error) {
	need, err := p.CheckEndpoint(inv, rawURL)
	if err != nil || !p.upstream {
		return need, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return need, domain.NewError(domain.KindEndpointNotAllowed, "invalid url", err)
	}
	if _, err := p.checkResolved(ctx, u.Hostname()); err != nil {
		return need, err
	}
	return need, nil
}

// Allowlist returns the deployment allowlist.
func (p *Proxy) Allowlist() *Allowlist { return p.allowlist }

// AllowsScope reports whether a "host[/path]" scope is on the deployment
// allowlist.
func (p *Proxy) AllowsScope(scope string) bool { return p.allowlist.Allows(scope) }

// Bind returns an Egress usable only by inv.
func (p *Proxy) Bind(inv *domain.Invocation) domain.Egress {
	return &boundEgress{proxy: p, inv: inv}
}

type boundEgress struct {
	proxy *Proxy
	inv   *domain.Invocation
}

func (b *boundEgress) Do(ctx context.Context, req domain.EgressRequest) (*domain.EgressResponse, error) {
	return b.proxy.do(ctx, b.inv, req)
}

// CheckEndpoint applies the grant, allowlist and internal-host checks to a
// URL and returns the network capability it needs.
func (p *Proxy) CheckEndpoint(inv *domain.Invocation, rawURL string) (domain.Capability, error) {
	scope, err := domain.EndpointScope(rawURL)
	if err != nil {
		return domain.Capability{}, domain.NewError(domain.KindEndpointNotAllowed, "invalid url", err)
	}
	need := domain.Capability{Kind: domain.CapNetwork, Scope: scope}
	host, _, _ := strings.Cut(scope, "/")
	switch {
	case !inv.Grant.Allows(need, p.now()):
		return need, domain.NewError(domain.KindEndpointNotAllowed, host, fmt.Errorf("%s not granted to %s", need, inv.Manifest.Name))
	case !p.allowlist.Allows(scope):
		return need, domain.NewError(domain.KindEndpointNotAllowed, host, fmt.Errorf("%s not in deployment allowlist", scope))
	case !p.allowPrivate && isInternalHost(host):
		return need, domain.NewError(domain.KindEndpointNotAllowed, host, errors.New("internal address"))
	}
	return need, nil
}

func (p *Proxy) do(ctx context.Context, inv *domain.Invocation, in domain.EgressRequest) (*domain.EgressResponse, error) {
	need, err := p.checkRoute(ctx, inv, in.URL)
	if err != nil {
		p.logger.Warn("egress denied", "tool", inv.Manifest.Name, "url", redactURL(in.URL), "error", err)
		return nil, err
	}

	if leak, found := p.leaks.HasHard(outboundBytes(in)); found {
		p.report(ctx, inv, domain.KindCredentialLeakDetected, "outbound request carries "+leak.Name)
		return nil, domain.NewError(domain.KindCredentialLeakDetected, "", fmt.Errorf("egress payload matched %s", leak.Name))
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, bytes.NewReader(in.Body))
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "invalid request", err)
	}
	req.Header.Set("User-Agent", "aulerun/1.0 (tool egress)")
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	host := req.URL.Hostname()
	if err := p.substituteHandles(ctx, inv, host, req); err != nil {
		return nil, err
	}
	injected := p.injectCredentials(ctx, inv, host, req)
	inv.Exercise(need)

	client := *p.client
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		if injected && !strings.EqualFold(r.URL.Hostname(), host) {
			return errors.New("redirect to another host with credentials attached")
		}
		_, err := p.checkRoute(r.Context(), inv, r.URL.String())
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, domain.NewError(domain.KindToolFault, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "read response", err)
	}
	out := &domain.EgressResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     map[string]string{},
	}
	if int64(len(body)) > p.maxBytes {
		body = body[:p.maxBytes]
		out.Truncated = true
	}
	if _, found := p.leaks.HasHard(body); found {
		// An allowed host echoed credential material; the sandbox must not see it.
		p.report(ctx, inv, domain.KindCredentialLeakDetected, "response echoed credential material")
		body = []byte(p.leaks.Redact(string(body)))
	}
	out.Body = body
	for _, k := range []string{"Content-Type", "Content-Length", "Location", "Retry-After"} {
		if v := resp.Header.Get(k); v != "" {
			out.Headers[k] = v
		}
	}
	return out, nil
}

// substituteHandles swaps secret handles in headers and query for real
// values, but only toward hosts the secret is mapped to.
func (p *Proxy) substituteHandles(ctx context.Context, inv *domain.Invocation, host string, req *http.Request) error {
	for handle, name := range inv.Handles {
		inHeaders := false
		for _, vals := range req.Header {
			for _, v := range vals {
				if strings.Contains(v, handle) {
					inHeaders = true
				}
			}
		}
		inQuery := strings.Contains(req.URL.RawQuery, url.QueryEscape(handle)) || strings.Contains(req.URL.RawQuery, handle)
		if !inHeaders && !inQuery {
			continue
		}
		if p.mappingFor(name, host) == nil {
			p.report(ctx, inv, domain.KindCapabilityDenied, "secret handle sent to unmapped host "+host)
			return domain.NewError(domain.KindCapabilityDenied, "", fmt.Errorf("secret %s not mapped to %s", name, host))
		}
		value, ok := p.secrets.Resolve(ctx, name)
		if !ok {
			return domain.NewError(domain.KindToolFault, "credential unavailable", fmt.Errorf("secret %s not set", name))
		}
		for k, vals := range req.Header {
			for i, v := range vals {
				vals[i] = strings.ReplaceAll(v, handle, value)
			}
			req.Header[k] = vals
		}
		if inQuery {
			q := req.URL.Query()
			for k, vals := range q {
				for i, v := range vals {
					vals[i] = strings.ReplaceAll(v, handle, value)
				}
				q[k] = vals
			}
			req.URL.RawQuery = q.Encode()
		}
		inv.Exercise(domain.Capability{Kind: domain.CapSecret, Scope: name})
	}
	return nil
}

// injectCredentials applies configured mappings for secrets the grant
// covers. It reports whether anything was attached.
func (p *Proxy) injectCredentials(ctx context.Context, inv *domain.Invocation, host string, req *http.Request) bool {
	injected := false
	for _, m := range p.credentials {
		if !hostMatches(m.Hosts, host) {
			continue
		}
		need := domain.Capability{Kind: domain.CapSecret, Scope: m.Secret}
		if !inv.Grant.Allows(need, p.now()) {
			continue
		}
		value, ok := p.secrets.Resolve(ctx, m.Secret)
		if !ok {
			p.logger.Warn("credential mapping has no secret value", "secret", m.Secret)
			continue
		}
		switch m.Location.Kind {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+value)
		case "header":
			req.Header.Set(m.Location.Name, value)
		case "query":
			q := req.URL.Query()
			q.Set(m.Location.Name, value)
			req.URL.RawQuery = q.Encode()
		}
		inv.Exercise(need)
		injected = true
	}
	return injected
}

func (p *Proxy) mappingFor(secret, host string) *domain.CredentialMapping {
	for i := range p.credentials {
		if p.credentials[i].Secret == secret && hostMatches(p.credentials[i].Hosts, host) {
			return &p.credentials[i]
		}
	}
	return nil
}

func (p *Proxy) report(ctx context.Context, inv *domain.Invocation, kind domain.ErrorKind, detail string) {
	p.logger.Warn("egress security event", "security", true, "tool", inv.Manifest.Name, "kind", kind, "detail", detail)
	if p.security != nil {
		p.security.RecordSecurityEvent(ctx, inv, kind, detail)
	}
}

func hostMatches(patterns []string, host string) bool {
	for _, pat := range patterns {
		if domain.MatchHost(pat, host) {
			return true
		}
	}
	return false
}

func outboundBytes(in domain.EgressRequest) []byte {
	var buf bytes.Buffer
	buf.WriteString(in.URL)
	for k, v := range in.Headers {
		buf.WriteString("\n" + k + ": " + v)
	}
	buf.WriteString("\n")
	buf.Write(in.Body)
	return buf.Bytes()
}

// isInternalHost returns true for localhost, private IPs, metadata endpoints.
func isInternalHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "metadata.google.internal" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && isInternalIP(ip)
}

var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || cgnat.Contains(ip)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
