package service

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/models"
)

// celEnv exposes the supplied value to constraint expressions as `value`
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
	if err != nil {
		panic(fmt.Sprintf("build CEL environment: %v", err))
	}
	return env
}()

// ValidateParams checks supplied values against a report's declared
// schema, applies defaults, and returns the effective parameter set.
// Values for undeclared names are passed through untouched.
func ValidateParams(schema []models.ReportParam, supplied map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(supplied))
	for k, v := range supplied {
		out[k] = v
	}

	for _, p := range schema {
		v, present := supplied[p.Name]
		if !present || v == nil || v == "" {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, apperr.Validation("Missing required parameter: %s", p.Name)
			}
			delete(out, p.Name)
			continue
		}

		checked, err := checkType(p, v)
		if err != nil {
			return nil, err
		}
		if err := checkConstraint(p, checked); err != nil {
			return nil, err
		}
		out[p.Name] = checked
	}
	return out, nil
}

func checkType(p models.ReportParam, v any) (any, error) {
	switch p.Type {
	case models.ParamNumber:
		n, ok := asNumber(v)
		if !ok {
			return nil, apperr.Validation("Parameter '%s' must be a number", p.Name)
		}
		if p.Min != nil && n < *p.Min {
			return nil, apperr.Validation("Parameter '%s' must be >= %v", p.Name, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return nil, apperr.Validation("Parameter '%s' must be <= %v", p.Name, *p.Max)
		}
		return n, nil

	case models.ParamCheckbox:
		b, ok := v.(bool)
		if !ok {
			return nil, apperr.Validation("Parameter '%s' must be a boolean", p.Name)
		}
		return b, nil

	case models.ParamSelect:
		s, ok := v.(string)
		if !ok {
			return nil, apperr.Validation("Parameter '%s' must be a string", p.Name)
		}
		for _, opt := range p.Options {
			if s == opt {
				return s, nil
			}
		}
		return nil, apperr.Validation("Parameter '%s' must be one of %v", p.Name, p.Options)

	case models.ParamText, models.ParamDate, models.ParamTextarea:
		s, ok := v.(string)
		if !ok {
			return nil, apperr.Validation("Parameter '%s' must be a string", p.Name)
		}
		return s, nil
	}
	return v, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// checkConstraint evaluates the optional CEL expression on the value
func checkConstraint(p models.ReportParam, v any) error {
	if p.Constraint == "" {
		return nil
	}

	ast, iss := celEnv.Compile(p.Constraint)
	if iss != nil && iss.Err() != nil {
		return apperr.Validation("Parameter '%s' has an invalid constraint: %v", p.Name, iss.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return apperr.Validation("Parameter '%s' has an invalid constraint: %v", p.Name, err)
	}

	out, _, err := prg.Eval(map[string]any{"value": v})
	if err != nil {
		return apperr.Validation("Parameter '%s' failed constraint evaluation: %v", p.Name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return apperr.Validation("Parameter '%s' constraint must yield a boolean", p.Name)
	}
	if !ok {
		return apperr.Validation("Parameter '%s' violates constraint %q", p.Name, p.Constraint)
	}
	return nil
}
