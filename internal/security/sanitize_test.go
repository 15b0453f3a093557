package security

import "testing"

func TestValidateRepoFullName(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		wantErr bool
	}{
		{"simple", "acme/churn", false},
		{"dots and dashes", "acme-labs/churn.model", false},
		{"empty", "", true},
		{"missing owner", "churn", true},
		{"url", "https://github.com/acme/churn", true},
		{"git suffix", "acme/churn.git", true},
		{"nested path", "acme/churn/extra", true},
		{"injection", "acme/churn;rm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepoFullName(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRepoFullName(%q) error = %v, wantErr %v", tt.repo, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"main branch", "main", false},
		{"feature branch", "feature/new-feature", false},
		{"release branch", "release/v1.0.0", false},
		{"empty branch", "", true},
		{"starts with dash", "-malicious", true},
		{"double dot", "main..evil", true},
		{"command injection semicolon", "main; rm -rf /", true},
		{"command injection dollar", "main$(whoami)", true},
		{"spaces", "my branch", true},
		{"newline", "main\nmalicious", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.branch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServiceName(t *testing.T) {
	tests := []struct {
		name    string
		service string
		wantErr bool
	}{
		{"simple", "churn-model", false},
		{"single letter", "a", false},
		{"digits", "model2", false},
		{"empty", "", true},
		{"uppercase", "Churn", true},
		{"leading digit", "2model", true},
		{"trailing dash", "model-", true},
		{"underscore", "churn_model", true},
		{"too long", "a1234567890123456789012345678901234567890123456789", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceName(tt.service)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServiceName(%q) error = %v, wantErr %v", tt.service, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRegion(t *testing.T) {
	for _, ok := range []string{"us-central1", "europe-west4", "asia-northeast1"} {
		if err := ValidateRegion(ok); err != nil {
			t.Errorf("ValidateRegion(%q) unexpected error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "mars", "US-CENTRAL1", "us-central"} {
		if err := ValidateRegion(bad); err == nil {
			t.Errorf("ValidateRegion(%q) should fail", bad)
		}
	}
}

func TestParseGCSURI(t *testing.T) {
	bucket, object, err := ParseGCSURI("gs://cloudship-sources/nb-1/source.tar.gz")
	if err != nil {
		t.Fatalf("ParseGCSURI() error = %v", err)
	}
	if bucket != "cloudship-sources" || object != "nb-1/source.tar.gz" {
		t.Errorf("Expected cloudship-sources / nb-1/source.tar.gz, got %s / %s", bucket, object)
	}

	for _, bad := range []string{
		"",
		"https://storage.googleapis.com/b/o",
		"gs://cloudship-sources",
		"gs://cloudship-sources/dir/",
		"gs://cloudship-sources/../etc/passwd",
		"gs://UPPER/o",
	} {
		if _, _, err := ParseGCSURI(bad); err == nil {
			t.Errorf("ParseGCSURI(%q) should fail", bad)
		}
	}
}
