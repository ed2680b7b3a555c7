package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference names a Secret Manager secret: secret://name[?version=N&project=P]. sm:// is read as an
// alias of secret://.
type Reference struct {
	Name    string
	Version string
	Project string
	pinned  bool
}

// ParseReference validates raw and fills Version with "latest" when it is not pinned.
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
	ref := Reference{
		Name:    strings.Trim(u.Host+u.Path, "/"),
		Version: strings.TrimSpace(u.Query().Get("version")),
		Project: strings.TrimSpace(u.Query().Get("project")),
	}
	if ref.Name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	ref.pinned = ref.Version != ""
	if !ref.pinned {
		ref.Version = latestVersion
	}
	return ref, nil
}

// String is the reference without version or project.
func (r Reference) String() string {
	return "secret://" + r.Name
}

func (r Reference) cacheKey() string {
	return r.String() + "#" + r.Version
}

// resource is the Secret Manager version name, or "" when no project is known.
func (r Reference) resource(defaultProject string) string {
	project := r.Project
	if project == "" {
		project = defaultProject
	}
	if project == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, r.Version)
}
