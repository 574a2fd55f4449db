package tfrun

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// The declaration forms terraform uses for its remote organization: the
// cloud {} block and the backend "remote" {} block both carry an
// organization attribute, and either may be overridden by environment.
var orgAttrRe = regexp.MustCompile(`(?m)^\s*organization\s*=\s*"([^"]+)"`)

// OrganizationFromConfig discovers the infra organization for dir. The
// environment wins over file declarations; absence of both is a normal
// opt-out, not an error.
func OrganizationFromConfig(dir string) (string, bool) {
	for _, key := range []string{"TF_CLOUD_ORGANIZATION", "TFE_ORG"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, true
		}
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.tf"))
	if err != nil {
		return "", false
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if m := orgAttrRe.FindSubmatch(data); m != nil {
			return string(m[1]), true
		}
	}
	return "", false
}
