package omr

import (
	"fmt"
)

// ErrorCode classifies why a single image could not be read.
type ErrorCode string

const (
	CodeGeometryNotFound        ErrorCode = "GEOMETRY_NOT_FOUND"
	CodeLowConfidence           ErrorCode = "LOW_CONFIDENCE_CLASSIFICATION"
	CodeIncompleteStudentNumber ErrorCode = "INCOMPLETE_STUDENT_NUMBER"
	CodeUnsupportedFormat       ErrorCode = "UNSUPPORTED_IMAGE_FORMAT"
	CodeIOFailure               ErrorCode = "IO_FAILURE"
	CodeProcessorClosed         ErrorCode = "PROCESSOR_CLOSED"
	CodeUnexpected              ErrorCode = "UNEXPECTED"
)

// RecognitionError is the failure value of one image. It never aborts a batch.
type RecognitionError struct {
	Code    ErrorCode
	Message string
	Source  string
	Details map[string]interface{}
	Cause   error
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrGeometryNotFound        = &RecognitionError{Code: CodeGeometryNotFound}
	ErrLowConfidence           = &RecognitionError{Code: CodeLowConfidence}
	ErrIncompleteStudentNumber = &RecognitionError{Code: CodeIncompleteStudentNumber}
	ErrUnsupportedFormat       = &RecognitionError{Code: CodeUnsupportedFormat}
	ErrIOFailure               = &RecognitionError{Code: CodeIOFailure}
	ErrProcessorClosed         = &RecognitionError{Code: CodeProcessorClosed}
	ErrUnexpected              = &RecognitionError{Code: CodeUnexpected}
)

func (e *RecognitionError) Error() string {
	msg := string(e.Code)
	if e.Source != "" {
		msg = fmt.Sprintf("%s: %s", e.Source, msg)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *RecognitionError) Unwrap() error {
	return e.Cause
}

func (e *RecognitionError) Is(target error) bool {
	t, ok := target.(*RecognitionError)
	return ok && t.Code == e.Code
}

// ToMap flattens the error for event output and storage.
func (e *RecognitionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"source":     e.Source,
	}
	for k, v := range e.Details {
		result[k] = v
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	return result
}

func newGeometryNotFoundError(vertices int, quad Quadrilateral) *RecognitionError {
	return &RecognitionError{
		Code:    CodeGeometryNotFound,
		Message: "no usable triangular corner markers",
		Details: map[string]interface{}{
			"triangle_vertices": vertices,
			"corners":           quad.String(),
		},
	}
}

func newLowConfidenceError(confidence, minimum float64) *RecognitionError {
	return &RecognitionError{
		Code:    CodeLowConfidence,
		Message: fmt.Sprintf("page marker confidence %.4f below %.4f", confidence, minimum),
		Details: map[string]interface{}{
			"confidence": confidence,
			"minimum":    minimum,
		},
	}
}

func newIncompleteStudentNumberError(number string) *RecognitionError {
	return &RecognitionError{
		Code:    CodeIncompleteStudentNumber,
		Message: fmt.Sprintf("student number %q is not DDDD-DDDDD", number),
		Details: map[string]interface{}{
			"student_number": number,
		},
	}
}

func newUnsupportedFormatError(cause error) *RecognitionError {
	return &RecognitionError{
		Code:    CodeUnsupportedFormat,
		Message: "image could not be decoded",
		Cause:   cause,
	}
}

func newIOFailureError(cause error) *RecognitionError {
	return &RecognitionError{
		Code:    CodeIOFailure,
		Message: "image could not be read",
		Cause:   cause,
	}
}

func newProcessorClosedError() *RecognitionError {
	return &RecognitionError{
		Code:    CodeProcessorClosed,
		Message: "processor is closed",
	}
}

func newUnexpectedError(recovered interface{}) *RecognitionError {
	return &RecognitionError{
		Code:    CodeUnexpected,
		Message: fmt.Sprintf("%v", recovered),
	}
}
