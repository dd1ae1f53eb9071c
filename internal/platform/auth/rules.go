package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Effect is the outcome a matching rule dictates.
type Effect int

const (
	Deny Effect = iota
	Allow
)

// Actions understood by the rule evaluator. HTTP methods map onto these in
// OperationFromRequest.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAny    = "*"
)

// Role string prefixes translated into per-resource read rules. The
// structured allowed_patients / allowed_imaging_studies claims are preferred;
// these prefixes remain as the compatibility fallback.
const (
	rolePrefixPatient      = "patient_"
	rolePrefixImagingStudy = "imaging_study_"
)

// Rule is one entry of a caller's authorization rule set. Rules are evaluated
// top to bottom, first match wins; an empty rule set denies everything.
type Rule struct {
	Effect       Effect
	Action       string
	ResourceType string // "*" matches any resource type
	// Identifier, when non-empty, restricts reads to requests that filter on
	// exactly this identifier token (urn:uuid:<id>).
	Identifier string
}

// Operation describes one inbound request for rule evaluation.
type Operation struct {
	Action       string
	ResourceType string
	ResourceID   string
	// Identifier is the value of the request's identifier search parameter,
	// if any.
	Identifier string
}

// RoleConfig names the realm roles the gateway recognizes. The values are
// deployment-configurable because the identity provider's realm setup owns
// them.
type RoleConfig struct {
	Create          string
	Admin           string
	ConverterUpload string
}

// DefaultRoleConfig returns the role names used by the reference realm setup.
func DefaultRoleConfig() RoleConfig {
	return RoleConfig{
		Create:          "create_resource",
		Admin:           "admin",
		ConverterUpload: "converter_fhir_upload",
	}
}

// OperationFromRequest derives the operation descriptor from an HTTP request
// against the FHIR route tree (/fhir/<ResourceType>[/<id>]).
func OperationFromRequest(r *http.Request) Operation {
	op := Operation{Identifier: r.URL.Query().Get("identifier")}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		op.Action = ActionRead
	case http.MethodPost:
		op.Action = ActionCreate
	case http.MethodPut, http.MethodPatch:
		op.Action = ActionUpdate
	case http.MethodDelete:
		op.Action = ActionDelete
	default:
		op.Action = r.Method
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "fhir" {
		op.ResourceType = parts[1]
		if len(parts) >= 3 {
			op.ResourceID = parts[2]
		}
	}
	return op
}

// BuildRules translates an identity's role claims into the caller's rule set.
// A nil identity or a token without a realm-access section yields an empty
// set, which denies everything.
func BuildRules(id *Identity, cfg RoleConfig) []Rule {
	if id == nil || !id.HasRealmAccess {
		return nil
	}

	var rules []Rule

	if id.HasRole(cfg.Admin) {
		return []Rule{{Effect: Allow, Action: ActionAny, ResourceType: "*"}}
	}

	if id.HasRole(cfg.ConverterUpload) {
		rules = append(rules,
			Rule{Effect: Allow, Action: ActionRead, ResourceType: "Patient"},
			Rule{Effect: Allow, Action: ActionCreate, ResourceType: "Patient"},
			Rule{Effect: Allow, Action: ActionCreate, ResourceType: "ImagingStudy"},
		)
	}

	for _, pid := range id.AllowedPatients {
		rules = append(rules, readRule("Patient", pid))
	}
	for _, sid := range id.AllowedImagingStudies {
		rules = append(rules, readRule("ImagingStudy", sid))
	}
	for _, role := range id.Roles {
		if strings.HasPrefix(role, rolePrefixPatient) {
			rules = append(rules, readRule("Patient", strings.TrimSpace(strings.TrimPrefix(role, rolePrefixPatient))))
		} else if strings.HasPrefix(role, rolePrefixImagingStudy) {
			rules = append(rules, readRule("ImagingStudy", strings.TrimSpace(strings.TrimPrefix(role, rolePrefixImagingStudy))))
		}
	}

	if id.HasRole(cfg.Create) {
		rules = append(rules, Rule{Effect: Allow, Action: ActionCreate, ResourceType: "DocumentReference"})
	}

	return rules
}

func readRule(resourceType, id string) Rule {
	return Rule{
		Effect:       Allow,
		Action:       ActionRead,
		ResourceType: resourceType,
		Identifier:   "urn:uuid:" + id,
	}
}

// Evaluate runs the operation against the rule set, first match wins,
// deny by default.
func Evaluate(rules []Rule, op Operation) bool {
	for _, r := range rules {
		if !r.matches(op) {
			continue
		}
		return r.Effect == Allow
	}
	return false
}

func (r Rule) matches(op Operation) bool {
	if r.Action != ActionAny && r.Action != op.Action {
		return false
	}
	if r.ResourceType != "*" && r.ResourceType != op.ResourceType {
		return false
	}
	if r.Identifier != "" && r.Identifier != op.Identifier {
		return false
	}
	return true
}

// Authorize gates a route group on the caller's rule set. Denied requests get
// a 403 with an empty JSON body; the response deliberately carries no detail
// about which rule failed.
func Authorize(cfg RoleConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ident := IdentityFromContext(c.Request().Context())
			op := OperationFromRequest(c.Request())
			if !Evaluate(BuildRules(ident, cfg), op) {
				return c.JSON(http.StatusForbidden, map[string]interface{}{})
			}
			return next(c)
		}
	}
}
