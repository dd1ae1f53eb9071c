package fhir

import "fmt"

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the gateway.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeStructure  = "structure"
	IssueTypeRequired   = "required"
	IssueTypeSecurity   = "security"
	IssueTypeProcessing = "processing"
	IssueTypeIncomplete = "incomplete"
	IssueTypeException  = "exception"
)

// UUIDSystem is the coding system used for business identifiers returned to
// clients and recorded on resources.
const UUIDSystem = "urn:uuid"

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// AcceptedOutcome builds the interim acknowledgement returned to a client
// whose upload was accepted for background conversion. The business identifier
// is carried in issue[0].details.coding[0] as urn:uuid:<id> so the client can
// poll the ledger for conversion status.
func AcceptedOutcome(businessID string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity: IssueSeverityInformation,
				Code:     IssueTypeIncomplete,
				Details: &CodeableConcept{
					Coding: []Coding{
						{
							System: UUIDSystem,
							Code:   fmt.Sprintf("urn:uuid:%s", businessID),
						},
					},
				},
			},
		},
	}
}
