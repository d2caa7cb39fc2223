package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
)

// ValidationError reports bad input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func NewValidationError(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateInput runs struct tag validation and reports the first failure as a ValidationError.
func ValidateInput(input any) error {
	err := utils.ValidateStruct(input)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		return NewValidationError(ves[0].Field(), "failed on the '%s' tag", ves[0].Tag())
	}
	return NewValidationError("", "%s", err.Error())
}

type NotFoundError struct {
	Resource string
	Id       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Id)
}

func NewNotFoundError(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, Id: fmt.Sprint(id)}
}

// ConflictError covers stale callers, lost compare-and-adjust races and
// writes against immutable records.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

type BatchIncompleteError struct {
	BatchId   string
	Remaining []string
}

func (e *BatchIncompleteError) Error() string {
	return fmt.Sprintf("batch %s incomplete: %d unit(s) remaining [%s]", e.BatchId, len(e.Remaining), strings.Join(e.Remaining, ","))
}

type Shortage struct {
	Sku       string          `json:"sku"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

type InsufficientStockError struct {
	UnitId    string
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s required %s available %s", s.Sku, s.Required.String(), s.Available.String()))
	}
	if e.UnitId == "" {
		return "insufficient stock: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("insufficient stock for unit %s: %s", e.UnitId, strings.Join(parts, "; "))
}

// StaleCountError means bin quantities moved after the cycle count snapshot.
type StaleCountError struct {
	SessionId string
	EntryIds  []int
}

func (e *StaleCountError) Error() string {
	return fmt.Sprintf("cycle count %s is stale: %d entry(s) changed since snapshot", e.SessionId, len(e.EntryIds))
}

type CalculationInProgressError struct {
	JobId string
}

func (e *CalculationInProgressError) Error() string {
	if e.JobId == "" {
		return "rop calculation already running in another process"
	}
	return "rop calculation already running: " + e.JobId
}

type ExternalDependencyError struct {
	Service string
	Err     error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalDependencyError) Unwrap() error {
	return e.Err
}

// IntegrityError is fatal to the enclosing transaction.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Message
}

func NewIntegrityError(format string, args ...any) *IntegrityError {
	return &IntegrityError{Message: fmt.Sprintf(format, args...)}
}
