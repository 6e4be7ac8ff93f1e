package core

// # Error Codes Reference
//
// User-friendly error messages with codes for support reference. A Failed
// status record stores the code next to the technical message, so a user
// quoting the code lets support find the cause without log access.
//
// # Submission Errors (VAL001-VAL099)
//
//	VAL001 - File too large: File exceeds the maximum size limit
//	         Action: Split the file into smaller chunks
//	         Patterns: "file too large"
//
//	VAL002 - Unsupported format: File type is not accepted
//	         Action: Upload a .csv or .xlsx file
//	         Patterns: "unsupported format"
//
//	VAL003 - Empty file: The uploaded file is empty
//	         Action: Upload a file with data rows
//	         Patterns: "empty file"
//
//	VAL004 - Unknown schema: The requested row schema does not exist
//	         Action: Choose one of the listed schemas
//	         Patterns: "unknown schema"
//
//	VAL005 - No file: No file was selected
//	         Action: Select a file to upload
//	         Patterns: "no file provided"
//
// # Parse Errors (PRS001-PRS099)
//
//	PRS001 - Malformed file: The file could not be read as a spreadsheet
//	         Action: Re-export the file and check quoting and encoding
//	         Patterns: "parse error"
//
// # Row Errors (ROW001-ROW099)
//
//	ROW001 - Invalid rows: One or more rows failed validation
//	         Action: Fix the listed rows and upload again
//	         Patterns: "invalid row"
//
//	ROW002 - Missing column: Required column is missing from the header
//	         Action: Check that all required columns are present
//	         Patterns: "missing required column"
//
// # System Errors (SYS001-SYS099)
//
//	SYS001 - Dispatch failed: The file was stored but could not be queued
//	         Action: Retry the file; no re-upload is needed
//	         Patterns: "dispatch failed"
//
//	SYS002 - Retries exhausted: Processing kept failing on infrastructure errors
//	         Action: Retry the file later or contact support
//	         Patterns: "exhausted retries"
//
//	SYS003 - Storage unavailable: The stored file could not be read
//	         Action: Retry the file later or contact support
//	         Patterns: "blob not found", "storage"
//
//	SYS004 - Connection problem: A backing service could not be reached
//	         Action: Please try again in a few moments
//	         Patterns: "connection refused", "connection reset"
//
// # Status Errors (STS001-STS099)
//
//	STS001 - Not found: No file with this id exists
//	         Action: Check the file id returned by the upload
//	STS002 - Cannot retry: Only failed files can be retried
//	         Action: Wait for the file to finish processing
//
// # Request Errors (UPL001-UPL099, RATE001)
//
//	UPL001 - Request cancelled      Patterns: "context canceled"
//	UPL002 - Request timeout        Patterns: "context deadline exceeded", "timeout"
//	UPL003 - System busy            Patterns: "too many"
//	RATE001 - Rate limited          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches; check the logs for the technical error.
//
// Typed errors (ValidationError, ParseError, ErrNotFound, ...) are matched
// with errors.Is/As before the string patterns are consulted. Patterns are
// matched case-insensitively with strings.Contains; the first match wins.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgNotFound = UserMessage{
		Message: "No file with this id exists",
		Action:  "Check the file id returned by the upload",
		Code:    "STS001",
	}
	msgIllegalTransition = UserMessage{
		Message: "Only failed files can be retried",
		Action:  "Wait for the file to finish processing",
		Code:    "STS002",
	}
	msgParse = UserMessage{
		Message: "The file could not be read as a spreadsheet",
		Action:  "Re-export the file and check quoting and encoding",
		Code:    "PRS001",
	}
	msgValidation = UserMessage{
		Message: "The file was rejected",
		Action:  "Check the file and upload again",
		Code:    "VAL000",
	}
)

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// More specific patterns come before general ones.
var errorPatterns = []errorPattern{
	// Submission errors
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "VAL001",
		},
	},
	{
		pattern: "unsupported format",
		msg: UserMessage{
			Message: "File type is not accepted",
			Action:  "Upload a .csv or .xlsx file",
			Code:    "VAL002",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Upload a file with data rows",
			Code:    "VAL003",
		},
	},
	{
		pattern: "unknown schema",
		msg: UserMessage{
			Message: "The requested row schema does not exist",
			Action:  "Choose one of the listed schemas",
			Code:    "VAL004",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Select a file to upload",
			Code:    "VAL005",
		},
	},

	// Parse and row errors
	{pattern: "parse error", msg: msgParse},
	{
		pattern: "missing required column",
		msg: UserMessage{
			Message: "Required column is missing from the header",
			Action:  "Check that all required columns are present",
			Code:    "ROW002",
		},
	},
	{
		pattern: "invalid row",
		msg: UserMessage{
			Message: "One or more rows failed validation",
			Action:  "Fix the listed rows and upload again",
			Code:    "ROW001",
		},
	},

	// System errors
	{
		pattern: "dispatch failed",
		msg: UserMessage{
			Message: "The file was stored but could not be queued for processing",
			Action:  "Retry the file; no re-upload is needed",
			Code:    "SYS001",
		},
	},
	{
		pattern: "exhausted retries",
		msg: UserMessage{
			Message: "Processing kept failing on infrastructure errors",
			Action:  "Retry the file later or contact support",
			Code:    "SYS002",
		},
	},
	{
		pattern: "blob not found",
		msg: UserMessage{
			Message: "The stored file could not be read",
			Action:  "Retry the file later or contact support",
			Code:    "SYS003",
		},
	},
	{
		pattern: "storage",
		msg: UserMessage{
			Message: "The stored file could not be read",
			Action:  "Retry the file later or contact support",
			Code:    "SYS003",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "A backing service could not be reached",
			Action:  "Please try again in a few moments",
			Code:    "SYS004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "A backing service connection was interrupted",
			Action:  "Please try again",
			Code:    "SYS004",
		},
	},

	// Request errors
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or check your connection",
			Code:    "UPL002",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Please try again later",
			Code:    "UPL002",
		},
	},
	{
		pattern: "too many",
		msg: UserMessage{
			Message: "System is busy processing other files",
			Action:  "Please wait a moment and try again",
			Code:    "UPL003",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
//	msg := MapError(core.ErrNotFound)
//	// msg.Code == "STS001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return msgNotFound
	case errors.Is(err, ErrIllegalTransition):
		return msgIllegalTransition
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		return msgParse
	}
	if IsValidation(err) {
		return msgValidation
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific catalogue entry
// rather than the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
