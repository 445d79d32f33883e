package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference is a parsed secret://name?version=N&project=P value.
type Reference struct {
	// Name is the canonical form without query parameters, e.g. secret://payments/acquiring-password.
	Name    string
	Secret  string
	Version string
	Project string
}

// ParseReference accepts secret:// and the legacy sm:// scheme.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	return Reference{
		Name:    "secret://" + secret,
		Secret:  secret,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// resourceID maps nested names onto Secret Manager ids, which may not contain slashes.
func (r Reference) resourceID() string {
	return strings.ReplaceAll(r.Secret, "/", "_")
}

func (r Reference) key(version string) string {
	return r.Name + "#" + version
}
