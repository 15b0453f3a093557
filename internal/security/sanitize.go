package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxServiceNameLength leaves room for the revision suffix Cloud Run appends.
	MaxServiceNameLength = 49
)

var (
	// Safe patterns for validation
	repoPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+/[a-zA-Z0-9_.-]+$`)
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	servicePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)
	regionPattern  = regexp.MustCompile(`^[a-z]+-[a-z]+[0-9]+$`)
	bucketPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)
)

// ValidateRepoFullName ensures a GitHub "owner/repo" reference is well formed.
func ValidateRepoFullName(fullName string) error {
	if fullName == "" {
		return fmt.Errorf("repository cannot be empty")
	}
	if !repoPattern.MatchString(fullName) {
		return fmt.Errorf("repository must be in owner/repo form")
	}
	if strings.HasSuffix(fullName, ".git") {
		return fmt.Errorf("repository must not carry a .git suffix")
	}
	return nil
}

// ValidateBranchName ensures branch name is safe to embed in a ref.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateServiceName ensures the name is accepted by Cloud Run and is safe
// for use in image tags and URLs.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if len(name) > MaxServiceNameLength {
		return fmt.Errorf("service name too long (maximum %d characters, got %d)", MaxServiceNameLength, len(name))
	}
	if !servicePattern.MatchString(name) {
		return fmt.Errorf("service name must start with a letter and contain only a-z, 0-9 and '-'")
	}
	return nil
}

// ValidateRegion checks the shape of a GCP region such as us-central1.
func ValidateRegion(region string) error {
	if !regionPattern.MatchString(region) {
		return fmt.Errorf("invalid region %q", region)
	}
	return nil
}

// ParseGCSURI splits gs://bucket/object into its parts.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid URI: %w", err)
	}
	if u.Scheme != "gs" {
		return "", "", fmt.Errorf("only gs:// URIs allowed, got %q", u.Scheme)
	}
	if !bucketPattern.MatchString(u.Host) {
		return "", "", fmt.Errorf("invalid bucket name %q", u.Host)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("URI must name an object")
	}
	if strings.Contains(object, "..") {
		return "", "", fmt.Errorf("object path contains traversal elements")
	}
	return u.Host, object, nil
}
