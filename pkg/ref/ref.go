package ref

import (
	"fmt"
	"strings"
)

const (
	// DefaultRegistry is the canonical registry host assumed for short names.
	DefaultRegistry = "docker.io"
	// DefaultNamespace is the namespace assumed for single-segment hub images.
	DefaultNamespace = "library"
	// DefaultTag is assumed when neither a tag nor a digest is given.
	DefaultTag = "latest"

	// dockerWireHost is the host the hub actually serves the distribution
	// API on; the canonical name only works for pulls through the engine.
	dockerWireHost = "registry-1.docker.io"
)

// Reference is the parsed form of an image string such as
// "ghcr.io/org/app:v1@sha256:...".
type Reference struct {
	Registry   string
	Namespace  string
	Repository string
	Tag        string
	Digest     string
}

// Parse splits an image string into its reference parts. The registry
// defaults to docker.io and the namespace to library for bare hub names;
// the tag defaults to latest unless a digest pins the reference.
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, fmt.Errorf("empty image reference")
	}

	var r Reference
	rest := s

	// Split off the digest first; everything after '@' must be a valid
	// algorithm:hex pair.
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		d := rest[i+1:]
		if !ValidDigest(d) {
			return Reference{}, fmt.Errorf("invalid digest in reference %q", s)
		}
		r.Digest = d
		rest = rest[:i]
		if rest == "" {
			return Reference{}, fmt.Errorf("missing repository in reference %q", s)
		}
	}

	// A colon after the last slash separates the tag. A colon in an
	// earlier segment is a registry port and is left alone.
	slash := strings.LastIndexByte(rest, '/')
	if i := strings.LastIndexByte(rest, ':'); i > slash {
		r.Tag = rest[i+1:]
		rest = rest[:i]
		if r.Tag == "" {
			return Reference{}, fmt.Errorf("empty tag in reference %q", s)
		}
	}
	if rest == "" {
		return Reference{}, fmt.Errorf("missing repository in reference %q", s)
	}

	segments := strings.Split(rest, "/")
	switch {
	case len(segments) == 1:
		r.Registry = DefaultRegistry
		r.Namespace = DefaultNamespace
		r.Repository = segments[0]
	case len(segments) == 2 && isRegistryHost(segments[0]):
		r.Registry = segments[0]
		r.Repository = segments[1]
	case len(segments) == 2:
		r.Registry = DefaultRegistry
		r.Namespace = segments[0]
		r.Repository = segments[1]
	default:
		r.Registry = segments[0]
		r.Namespace = strings.Join(segments[1:len(segments)-1], "/")
		r.Repository = segments[len(segments)-1]
	}

	// "docker.io/nginx" carries a single path segment and still means the
	// library namespace.
	if r.Registry == DefaultRegistry && r.Namespace == "" {
		r.Namespace = DefaultNamespace
	}

	if r.Repository == "" {
		return Reference{}, fmt.Errorf("missing repository in reference %q", s)
	}
	if r.Tag == "" && r.Digest == "" {
		r.Tag = DefaultTag
	}
	return r, nil
}

// isRegistryHost reports whether the first path segment names a registry
// rather than a namespace.
func isRegistryHost(seg string) bool {
	return strings.ContainsAny(seg, ".:") || seg == "localhost"
}

// Path returns the repository path used on the distribution API,
// namespace/repository or just the repository when no namespace applies.
func (r Reference) Path() string {
	if r.Namespace == "" {
		return r.Repository
	}
	return r.Namespace + "/" + r.Repository
}

// WireHost returns the host to dial for the distribution API.
func (r Reference) WireHost() string {
	if r.Registry == DefaultRegistry {
		return dockerWireHost
	}
	return r.Registry
}

// String renders the fully qualified reference.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteByte('/')
	b.WriteString(r.Path())
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	}
	return b.String()
}
