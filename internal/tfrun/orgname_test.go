package tfrun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTF(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestOrganizationFromCloudBlock(t *testing.T) {
	t.Setenv("TF_CLOUD_ORGANIZATION", "")
	t.Setenv("TFE_ORG", "")
	dir := t.TempDir()
	writeTF(t, dir, "main.tf", `terraform {
  cloud {
    organization = "acme"
    workspaces {
      name = "app-dev"
    }
  }
}
`)

	org, ok := OrganizationFromConfig(dir)
	require.True(t, ok)
	assert.Equal(t, "acme", org)
}

func TestOrganizationFromRemoteBackend(t *testing.T) {
	t.Setenv("TF_CLOUD_ORGANIZATION", "")
	t.Setenv("TFE_ORG", "")
	dir := t.TempDir()
	writeTF(t, dir, "backend.tf", `terraform {
  backend "remote" {
    hostname     = "app.terraform.io"
    organization = "acme-infra"
  }
}
`)

	org, ok := OrganizationFromConfig(dir)
	require.True(t, ok)
	assert.Equal(t, "acme-infra", org)
}

func TestOrganizationEnvOverridesFiles(t *testing.T) {
	t.Setenv("TF_CLOUD_ORGANIZATION", "from-env")
	dir := t.TempDir()
	writeTF(t, dir, "main.tf", `terraform {
  cloud {
    organization = "from-file"
  }
}
`)

	org, ok := OrganizationFromConfig(dir)
	require.True(t, ok)
	assert.Equal(t, "from-env", org)
}

func TestOrganizationAbsent(t *testing.T) {
	t.Setenv("TF_CLOUD_ORGANIZATION", "")
	t.Setenv("TFE_ORG", "")
	dir := t.TempDir()
	writeTF(t, dir, "main.tf", `resource "null_resource" "x" {}`)

	_, ok := OrganizationFromConfig(dir)
	assert.False(t, ok)
}
