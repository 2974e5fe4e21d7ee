package registry

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vigsterkr/watchz/internal/retry"
	"github.com/vigsterkr/watchz/pkg/logger"
	"github.com/vigsterkr/watchz/pkg/ref"
)

const (
	digestHeader = "Docker-Content-Digest"

	// Hub token endpoint, used pre-emptively instead of waiting for the
	// guaranteed 401 round trip.
	dockerAuthRealm   = "https://auth.docker.io/token"
	dockerAuthService = "registry.docker.io"

	defaultTimeout = 30 * time.Second
	maxRedirects   = 5
)

// manifestAccept lists every manifest media type we can compare digests for.
var manifestAccept = []string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}

// ErrAuthenticationFailed marks a 401 that survived the token retry.
var ErrAuthenticationFailed = errors.New("registry authentication failed")

// ErrDigestNotFound marks a 200 response without a Docker-Content-Digest.
var ErrDigestNotFound = errors.New("registry response carried no digest")

// StatusError carries the HTTP status of a failed manifest fetch. 5xx
// codes classify as transient for the retry policy.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("manifest fetch failed: %s", e.Status)
}

// StatusCode implements retry.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// UpdateCheck is the outcome of comparing a local digest with the registry.
type UpdateCheck struct {
	HasUpdate bool
	Current   string
	Latest    string
	Message   string
}

// CheckItem pairs an image name with its locally recorded manifest digest.
type CheckItem struct {
	Image         string
	CurrentDigest string
}

// CheckResult is the per-item outcome of CheckMany, in item order.
type CheckResult struct {
	Image string
	Check UpdateCheck
	Err   error
}

// Client talks to OCI-distribution v2 registries. It owns the token cache
// and is safe for concurrent use.
type Client struct {
	http    *http.Client
	creds   *CredentialStore
	tokens  *tokenCache
	policy  retry.Policy
	log     *logger.Logger
	workers int

	// serializes concurrent checks per (registry, repository)
	repoLocks *keyedMutex

	headWarned sync.Map
}

// Option tweaks client construction.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetryPolicy overrides the transient-failure backoff policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient builds a registry client over the given credential store.
func NewClient(creds *CredentialStore, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		creds:     creds,
		tokens:    newTokenCache(),
		policy:    retry.DefaultPolicy,
		log:       log,
		workers:   min(runtime.NumCPU(), 4),
		repoLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HeadManifestDigest returns the manifest digest the registry publishes for
// the reference, without transferring the manifest body.
func (c *Client) HeadManifestDigest(ctx context.Context, r ref.Reference) (string, error) {
	var digest string
	err := c.policy.Do(ctx, func() error {
		resp, err := c.doManifest(ctx, http.MethodHead, r)
		if err != nil {
			return err
		}
		defer drain(resp)

		digest = resp.Header.Get(digestHeader)
		if digest == "" {
			return fmt.Errorf("%w for %s", ErrDigestNotFound, r.String())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// GetManifest fetches the raw manifest bytes, decompressing a gzipped body.
func (c *Client) GetManifest(ctx context.Context, r ref.Reference) ([]byte, error) {
	var body []byte
	err := c.policy.Do(ctx, func() error {
		resp, err := c.doManifest(ctx, http.MethodGet, r)
		if err != nil {
			return err
		}
		defer drain(resp)

		reader := io.Reader(resp.Body)
		if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				return fmt.Errorf("bad gzip manifest body: %w", err)
			}
			defer gz.Close()
			reader = gz
		}
		body, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("reading manifest body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// CheckForUpdate compares the locally recorded digest with the registry's
// answer. Digest-pinned references and local-only image identifiers never
// reach the network.
func (c *Client) CheckForUpdate(ctx context.Context, currentDigest, imageName string) (UpdateCheck, error) {
	if strings.HasPrefix(imageName, "sha256:") {
		return UpdateCheck{Current: currentDigest, Latest: currentDigest, Message: "local image"}, nil
	}

	r, err := ref.Parse(imageName)
	if err != nil {
		return UpdateCheck{}, fmt.Errorf("invalid image reference %q: %w", imageName, err)
	}
	if r.Digest != "" {
		return UpdateCheck{Current: currentDigest, Latest: currentDigest, Message: "digest-pinned"}, nil
	}

	latest, err := c.HeadManifestDigest(ctx, r)
	if err != nil {
		return UpdateCheck{Current: currentDigest}, err
	}

	return UpdateCheck{
		HasUpdate: !ref.DigestsEqual(currentDigest, latest),
		Current:   currentDigest,
		Latest:    latest,
	}, nil
}

// CheckMany runs update checks with a bounded worker group, serializing
// checks per (registry, repository) so one token fetch serves them all.
func (c *Client) CheckMany(ctx context.Context, items []CheckItem) []CheckResult {
	results := make([]CheckResult, len(items))
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item CheckItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			unlock := c.repoLocks.lock(repoKey(item.Image))
			defer unlock()

			check, err := c.CheckForUpdate(ctx, item.CurrentDigest, item.Image)
			results[i] = CheckResult{Image: item.Image, Check: check, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// repoKey derives the serialization key for an image name. Unparseable
// names fall back to the raw string.
func repoKey(image string) string {
	r, err := ref.Parse(image)
	if err != nil {
		return image
	}
	return r.Registry + "/" + r.Path()
}

// doManifest performs one authenticated manifest request, handling bearer
// discovery on 401 and retrying the request once with a fresh token.
func (c *Client) doManifest(ctx context.Context, method string, r ref.Reference) (*http.Response, error) {
	reference := r.Tag
	if r.Digest != "" {
		reference = r.Digest
	}
	endpoint := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", registryScheme(r.WireHost()), r.WireHost(), r.Path(), reference)
	scope := fmt.Sprintf("repository:%s:pull", r.Path())
	key := tokenKey(r.Registry, r.Path(), scope)

	authorization := ""
	if tok, ok := c.tokens.get(key); ok {
		authorization = "Bearer " + tok
	} else if r.Registry == ref.DefaultRegistry {
		// The hub always requires a token; skip the guaranteed 401.
		tok, err := c.ensureToken(ctx, key, Challenge{Realm: dockerAuthRealm, Service: dockerAuthService}, r, scope)
		if err != nil {
			return nil, err
		}
		authorization = "Bearer " + tok
	} else if cred, ok := c.creds.Get(r.Registry); ok {
		authorization = "Basic " + cred.Basic()
	}

	resp, err := c.send(ctx, method, endpoint, authorization)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		header := resp.Header.Get("WWW-Authenticate")
		drain(resp)

		challenge, err := parseChallenge(header)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		tok, err := c.ensureToken(ctx, key, challenge, r, scope)
		if err != nil {
			return nil, err
		}

		authorization = "Bearer " + tok
		resp, err = c.send(ctx, method, endpoint, authorization)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, fmt.Errorf("%w for %s", ErrAuthenticationFailed, r.String())
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status := resp.Status
		code := resp.StatusCode
		drain(resp)
		return nil, &StatusError{Code: code, Status: status}
	}

	// HEAD support is optional for some registries; fall back to GET once
	// and warn so the operator knows about the extra transfer.
	if method == http.MethodHead && resp.StatusCode == http.StatusOK && resp.Header.Get(digestHeader) == "" {
		if _, warned := c.headWarned.LoadOrStore(r.Registry, true); !warned {
			c.log.Warn("Registry %s answers HEAD without a digest, falling back to GET", r.Registry)
		}
		drain(resp)
		return c.send(ctx, http.MethodGet, endpoint, authorization)
	}

	return resp, nil
}

// send issues a single manifest request with the standard Accept set.
func (c *Client) send(ctx context.Context, method, endpoint, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	for _, mt := range manifestAccept {
		req.Header.Add("Accept", mt)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return c.http.Do(req)
}

// ensureToken returns a cached token for key or fetches one from the
// challenge's realm, serializing concurrent fetches per key.
func (c *Client) ensureToken(ctx context.Context, key string, challenge Challenge, r ref.Reference, scope string) (string, error) {
	unlock := c.tokens.lock(key)
	defer unlock()

	if tok, ok := c.tokens.get(key); ok {
		return tok, nil
	}

	if challenge.Scope != "" {
		scope = challenge.Scope
	}
	tok, ttl, err := c.fetchToken(ctx, challenge.Realm, challenge.Service, scope, r.Registry)
	if err != nil {
		return "", err
	}
	c.tokens.put(key, tok, ttl)
	return tok, nil
}

// fetchToken requests a bearer grant from the token endpoint, using Basic
// auth when a credential is stored for the registry.
func (c *Client) fetchToken(ctx context.Context, realm, service, scope, registry string) (string, time.Duration, error) {
	endpoint, err := url.Parse(realm)
	if err != nil {
		return "", 0, fmt.Errorf("bad token realm %q: %w", realm, err)
	}
	q := endpoint.Query()
	q.Set("service", service)
	q.Set("scope", scope)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", 0, err
	}
	if cred, ok := c.creds.Get(registry); ok {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var grant tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if grant.value() == "" {
		return "", 0, fmt.Errorf("token endpoint %s returned no token", realm)
	}
	return grant.value(), grant.ttl(), nil
}

// registryScheme picks plain http for loopback registries, the usual
// setup for a local development registry.
func registryScheme(host string) string {
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	if name == "localhost" || name == "127.0.0.1" || name == "::1" {
		return "http"
	}
	return "https"
}

// drain consumes and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// keyedMutex hands out one mutex per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
