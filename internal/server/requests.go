package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"cloudship/internal/deployment"
	"cloudship/internal/security"

	"github.com/go-playground/validator/v10"
)

// MaxRequestBytes bounds JSON request bodies on the API.
const MaxRequestBytes = 64 << 10

type resourcesRequest struct {
	CPU          string `json:"cpu" validate:"omitempty,oneof=1 2 4 8"`
	Memory       string `json:"memory" validate:"omitempty,memory_quantity"`
	MinInstances *int   `json:"min_instances" validate:"omitempty,min=0,max=100"`
	MaxInstances *int   `json:"max_instances" validate:"omitempty,min=1,max=100"`
}

type createDeploymentRequest struct {
	Name       string            `json:"name" validate:"required,service_name"`
	NotebookID string            `json:"notebook_id" validate:"required,max=128"`
	SourceRef  string            `json:"source_ref" validate:"required,gcs_uri"`
	Region     string            `json:"region" validate:"omitempty,region"`
	Resources  *resourcesRequest `json:"resources" validate:"omitempty"`
	Repository string            `json:"repository" validate:"omitempty,repo_full_name"`
	Branch     string            `json:"branch" validate:"omitempty,branch"`
}

type redeployRequest struct {
	Region      string `json:"region" validate:"omitempty,region"`
	ServiceName string `json:"service_name" validate:"omitempty,service_name"`
}

type linkRepositoryRequest struct {
	Repository string `json:"repository" validate:"required,repo_full_name"`
	Branch     string `json:"branch" validate:"omitempty,branch"`
}

// newValidator registers the domain checks used by request tags and reports
// fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("service_name", stringCheck(security.ValidateServiceName))
	v.RegisterValidation("region", stringCheck(security.ValidateRegion))
	v.RegisterValidation("repo_full_name", stringCheck(security.ValidateRepoFullName))
	v.RegisterValidation("branch", stringCheck(security.ValidateBranchName))
	v.RegisterValidation("gcs_uri", stringCheck(func(s string) error {
		_, _, err := security.ParseGCSURI(s)
		return err
	}))
	v.RegisterValidation("memory_quantity", validateMemory)

	return v
}

func stringCheck(check func(string) error) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return check(fl.Field().String()) == nil
	}
}

// validateMemory accepts Cloud Run memory limits such as 512Mi or 2Gi.
func validateMemory(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	for _, unit := range []string{"Mi", "Gi"} {
		if n, ok := strings.CutSuffix(s, unit); ok && n != "" && strings.Trim(n, "0123456789") == "" {
			return true
		}
	}
	return false
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "service_name":
		return fmt.Sprintf("must start with a letter, use only a-z, 0-9 and '-', and be at most %d characters", security.MaxServiceNameLength)
	case "region":
		return "must be a region such as us-central1"
	case "repo_full_name":
		return "must be owner/name"
	case "branch":
		return "is not a valid branch name"
	case "gcs_uri":
		return "must be a gs://bucket/object URI"
	case "memory_quantity":
		return "must be a quantity such as 512Mi or 2Gi"
	default:
		return fe.Error()
	}
}

// fieldPath drops the request type from the namespace, leaving e.g.
// "resources.cpu".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// decodeJSON reads a bounded JSON body into dst and validates it. Every
// failure wraps deployment.ErrValidation. An empty body is allowed when
// optional is set.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large: %w", err)
		}
		if !(optional && errors.Is(err, io.EOF)) {
			return fmt.Errorf("%w: invalid JSON body: %v", deployment.ErrValidation, err)
		}
	}

	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", deployment.ErrValidation, err)
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			problems = append(problems, fieldPath(fe)+" "+validationMessage(fe))
		}
		return fmt.Errorf("%w: %s", deployment.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// spec turns a validated request into a deployment spec, filling unset
// resources and region from the server defaults.
func (req createDeploymentRequest) spec(defaults Settings) deployment.Spec {
	res := defaults.DefaultResources
	if rr := req.Resources; rr != nil {
		if rr.CPU != "" {
			res.CPU = rr.CPU
		}
		if rr.Memory != "" {
			res.Memory = rr.Memory
		}
		if rr.MinInstances != nil {
			res.MinInstances = *rr.MinInstances
		}
		if rr.MaxInstances != nil {
			res.MaxInstances = *rr.MaxInstances
		}
	}

	region := req.Region
	if region == "" {
		region = defaults.DefaultRegion
	}

	return deployment.Spec{
		Name:         req.Name,
		NotebookID:   req.NotebookID,
		SourceRef:    req.SourceRef,
		Region:       region,
		Resources:    res,
		RepoFullName: req.Repository,
		Branch:       req.Branch,
	}
}
