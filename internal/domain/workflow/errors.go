package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowDisabled  = errors.New("workflow is disabled")
	ErrExecutionNotFound = errors.New("execution not found")
)

// ValidationError reports a node that cannot be dispatched as configured.
type ValidationError struct {
	NodeID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewRequiredFieldError reports a missing or empty config field on nodeID.
func NewRequiredFieldError(nodeID, field string) *ValidationError {
	return &ValidationError{NodeID: nodeID, Field: field, Message: fmt.Sprintf("%s is required", field)}
}

// UnknownNodeTypeError is the ValidationError raised for a node type with no
// registered connector.
type UnknownNodeTypeError struct {
	ValidationError
	Type string
}

// NewUnknownNodeTypeError reports a node type with no registered connector.
func NewUnknownNodeTypeError(nodeID, nodeType string) *UnknownNodeTypeError {
	return &UnknownNodeTypeError{
		ValidationError: ValidationError{
			NodeID:  nodeID,
			Field:   "type",
			Message: fmt.Sprintf("unknown node type: %s", nodeType),
		},
		Type: nodeType,
	}
}

func (e *UnknownNodeTypeError) Unwrap() error {
	return &e.ValidationError
}

// CredentialNotFoundError is returned when a node names a credential that
// cannot be resolved, or names none at all.
type CredentialNotFoundError struct {
	CredentialID string
}

func (e *CredentialNotFoundError) Error() string {
	if e.CredentialID == "" {
		return "credential not found: no credential configured"
	}
	return fmt.Sprintf("credential not found: %s", e.CredentialID)
}

// ConnectorError carries a connector's failure as a single readable message.
type ConnectorError struct {
	NodeType string
	Message  string
	Err      error
}

func (e *ConnectorError) Error() string {
	return e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// NewConnectorError wraps a connector failure for nodeType.
func NewConnectorError(nodeType string, err error) *ConnectorError {
	return &ConnectorError{NodeType: nodeType, Message: err.Error(), Err: err}
}

// RecorderError means a tracking row could not be written. Always fatal.
type RecorderError struct {
	Op  string
	Err error
}

func (e *RecorderError) Error() string {
	return fmt.Sprintf("node execution %s failed: %v", e.Op, e.Err)
}

func (e *RecorderError) Unwrap() error {
	return e.Err
}
