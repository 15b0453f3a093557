package templates

import (
	"reflect"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		data    TemplateData
		want    string
		wantErr bool
	}{
		{
			name: "image reference",
			tmpl: "{{REGISTRY}}/{{NAME}}:c{{CYCLE}}",
			data: TemplateData{"REGISTRY": "us-docker.pkg.dev/acme/models", "NAME": "churn", "CYCLE": "3"},
			want: "us-docker.pkg.dev/acme/models/churn:c3",
		},
		{
			name: "repeated placeholder",
			tmpl: "{{NAME}}-{{NAME}}",
			data: TemplateData{"NAME": "a"},
			want: "a-a",
		},
		{
			name: "no placeholders",
			tmpl: "plain",
			want: "plain",
		},
		{
			name: "extra data ignored",
			tmpl: "{{NAME}}",
			data: TemplateData{"NAME": "x", "UNUSED": "y"},
			want: "x",
		},
		{
			name:    "missing value",
			tmpl:    "{{REGISTRY}}/{{NAME}}",
			data:    TemplateData{"NAME": "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Render() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), "REGISTRY") {
					t.Errorf("Expected error to name the missing key, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{REGISTRY}}/{{NAME}}:{{NAME}}-{{CYCLE}} {{lower}}")
	want := []string{"REGISTRY", "NAME", "CYCLE"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders() = %v, want %v", got, want)
	}
}
