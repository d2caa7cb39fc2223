package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/ttacon/libphonenumber"
)

var validate = validator.New()

// ValidateStruct runs `validate` struct tags on service inputs.
func ValidateStruct(s any) error {
	return validate.Struct(s)
}

// NormalizePhoneNumber parses and re-formats a phone number as E.164.
func NormalizePhoneNumber(phoneNumber, countryCode string) (string, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// ProcessValidationErrors maps each failed field to the tag it failed.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	out := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SelectionKey is a stable digest of an id set: order and duplicates do not matter.
func SelectionKey(ids []string) string {
	unq := UniqueSlice(ids)
	sort.Strings(unq)
	sum := sha256.Sum256([]byte(strings.Join(unq, ",")))
	return hex.EncodeToString(sum[:])
}

// ObtainLock takes a redis lock on key. The caller must call release.
// A nil locker yields a no-op lock so single-process deployments keep working.
func ObtainLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration, moduleName string, functionName string) (release func(), err error) {
	logger := config.GetLogger()
	if locker == nil {
		return func() {}, nil
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockNotObtained
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock", key, err)
		return nil, err
	}
	return func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			config.LogError(logger, moduleName, functionName, "Error releasing lock", key, releaseErr)
		}
	}, nil
}
