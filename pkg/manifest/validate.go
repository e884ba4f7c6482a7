package manifest

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/scenerun/scenerun/pkg/engine"
)

var apiVersionPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?/v[0-9]+(\.[0-9]+)*$`)

var (
	validateOnce sync.Once
	structRules  *validator.Validate
)

func rules() *validator.Validate {
	validateOnce.Do(func() {
		structRules = validator.New()
		structRules.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structRules
}

// Validate checks every manifest rule and returns one INVALID_MANIFEST error
// listing all violations, or nil.
func Validate(scene *engine.Scene) error {
	if scene == nil {
		return engine.NewInvalidManifestError([]string{"manifest is nil"})
	}

	var violations []string

	if err := rules().Struct(scene); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				violations = append(violations, describe(fe))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	if scene.APIVersion != "" && !apiVersionPattern.MatchString(scene.APIVersion) {
		violations = append(violations,
			fmt.Sprintf("apiVersion %q must look like <group>/v<major>", scene.APIVersion))
	}

	if v := scene.Metadata.ObjVersion; v != "" {
		if _, err := semver.NewVersion(v); err != nil {
			violations = append(violations,
				fmt.Sprintf("metadata.obj_version %q is not a semantic version", v))
		}
	}

	if overlap := intersect(scene.Spec.ModelScope.Read, scene.Spec.ModelScope.Write); len(overlap) > 0 {
		violations = append(violations,
			fmt.Sprintf("spec.model_scope read and write must be disjoint, both contain: %s",
				strings.Join(overlap, ", ")))
	}

	idem := scene.Spec.GovernanceContract.Idempotency
	if idem.Required && strings.TrimSpace(idem.Key) == "" {
		violations = append(violations,
			"spec.governance_contract.idempotency.key is required when idempotency.required is true")
	}

	for i, b := range scene.Spec.CapabilityContract.Bindings {
		if b.Ref != "" && strings.TrimSpace(b.Ref) != b.Ref {
			violations = append(violations,
				fmt.Sprintf("spec.capability_contract.bindings[%d].ref must not have surrounding whitespace", i))
		}
		if b.Compensation != nil && b.Compensation.Strategy == engine.CompensationCompensate &&
			b.Compensation.ActionRef == "" {
			violations = append(violations,
				fmt.Sprintf("spec.capability_contract.bindings[%d].compensation.action_ref is required for strategy compensate", i))
		}
	}

	if len(violations) > 0 {
		return engine.NewInvalidManifestError(violations).WithResource(scene.Metadata.ObjID)
	}
	return nil
}

// describe turns a validator field error into a manifest-path message.
func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "eq":
		return fmt.Sprintf("%s must be %q", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", path, fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

func intersect(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	var out []string
	added := make(map[string]bool)
	for _, s := range b {
		if seen[s] && !added[s] {
			out = append(out, s)
			added[s] = true
		}
	}
	sort.Strings(out)
	return out
}
