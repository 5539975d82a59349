package transport

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/pitabwire/addonrt/model"
)

// ParseBaseURL validates an integration base URL and normalizes its path to
// end with "/" so relative paths resolve beneath it.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: base URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: base URL %q has no host", raw)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("transport: base URL %q must not carry userinfo, query or fragment", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}
	return u, nil
}

// ResolvePath resolves rel beneath base. It fails with UNSAFE_RELATIVE_PATH
// when rel names a scheme or host, is absolute, or resolves outside base.
func ResolvePath(base *url.URL, rel string) (*url.URL, error) {
	if strings.ContainsAny(rel, "\\\r\n") {
		return nil, unsafePath(rel, "contains a backslash or line break")
	}
	if strings.HasPrefix(rel, "/") {
		return nil, unsafePath(rel, "is absolute")
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return nil, unsafePath(rel, "does not parse")
	}
	if ref.Scheme != "" || ref.Host != "" || ref.User != nil || ref.Opaque != "" {
		return nil, unsafePath(rel, "names a scheme or host")
	}

	// Decoded segments are checked too, so "%2e%2e%2f" cannot slip past.
	root := strings.TrimSuffix(base.Path, "/")
	if !within(root, path.Join(base.Path, ref.Path)) {
		return nil, unsafePath(rel, "escapes the base URL")
	}

	ref.Fragment = ""
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != base.Scheme || resolved.Host != base.Host || !within(root, resolved.Path) {
		return nil, unsafePath(rel, "escapes the base URL")
	}
	return resolved, nil
}

func within(root, p string) bool {
	return p == root || p == root+"/" || strings.HasPrefix(p, root+"/")
}

func unsafePath(rel, reason string) *model.ErrorEnvelope {
	return model.NewError(model.ErrUnsafeRelativePath, fmt.Sprintf("relative path %q %s", rel, reason))
}
