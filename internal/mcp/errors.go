// Package mcp exposes the search engine to host applications over the
// Model Context Protocol.
package mcp

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

// MCP error codes. The -3200x range is application defined.
const (
	ErrCodeIndexUnavailable = -32001
	ErrCodeOverloaded       = -32002
	ErrCodeTimeout          = -32003
	ErrCodeProvider         = -32004

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is a protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts an engine error to an MCP error. Messages carry the
// engine's suggestion, if any, so the host can self-correct.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}
	var me *MCPError
	if stderrors.As(err, &me) {
		return me
	}
	if se, ok := errors.As(err); ok {
		return mapSearchError(se)
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case stderrors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}

// NewResourceNotFoundError creates an error for unknown resources.
func NewResourceNotFoundError(uri string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Resource '%s' not found.", uri)}
}

func mapSearchError(se *errors.SearchError) *MCPError {
	message := se.Message
	if se.Suggestion != "" {
		message = se.Message + ". " + se.Suggestion
	}

	code := ErrCodeInternalError
	switch se.Category {
	case errors.CategoryValidation:
		code = ErrCodeInvalidParams
	case errors.CategoryResource:
		code = ErrCodeOverloaded
		if se.Code == errors.ErrCodeQueryTimeout {
			code = ErrCodeTimeout
		}
	case errors.CategoryIO:
		code = ErrCodeIndexUnavailable
	case errors.CategoryProvider:
		code = ErrCodeProvider
	}
	if se.Code == errors.ErrCodeEngineClosed {
		code = ErrCodeIndexUnavailable
	}
	return &MCPError{Code: code, Message: message}
}
