package fhir

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// OperationOutcome severity levels.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this service.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeThrottled    = "throttled"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTransient    = "transient"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

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

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// ValidationOutcome creates an OperationOutcome for an invalid field.
func ValidationOutcome(field, message string) *OperationOutcome {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, fmt.Sprintf("%s: %s", field, message))
	oo.Issue[0].Expression = []string{field}
	return oo
}

// Diagnostics joins the diagnostics of every issue.
func (o *OperationOutcome) Diagnostics() string {
	var msg string
	for i, issue := range o.Issue {
		if i > 0 {
			msg += "; "
		}
		msg += issue.Diagnostics
	}
	return msg
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// issueTypeForStatus maps an HTTP status to the closest issue type.
func issueTypeForStatus(status int) (severity, code string) {
	switch {
	case status == http.StatusBadRequest:
		return IssueSeverityError, IssueTypeInvalid
	case status == http.StatusUnauthorized:
		return IssueSeverityError, IssueTypeLogin
	case status == http.StatusForbidden:
		return IssueSeverityError, IssueTypeSecurity
	case status == http.StatusNotFound:
		return IssueSeverityError, IssueTypeNotFound
	case status == http.StatusConflict:
		return IssueSeverityError, IssueTypeConflict
	case status == http.StatusUnprocessableEntity:
		return IssueSeverityError, IssueTypeBusinessRule
	case status == http.StatusTooManyRequests:
		return IssueSeverityError, IssueTypeThrottled
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return IssueSeverityError, IssueTypeTransient
	case status == http.StatusGatewayTimeout:
		return IssueSeverityError, IssueTypeTimeout
	case status >= 500:
		return IssueSeverityFatal, IssueTypeException
	default:
		return IssueSeverityError, IssueTypeProcessing
	}
}

// ErrorHandler renders every error as an OperationOutcome body.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := "internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	}
	severity, code := issueTypeForStatus(status)

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, NewOperationOutcome(severity, code, msg))
}
