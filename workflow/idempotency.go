package workflow

import (
	"errors"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleStartedAfter is how long a STARTED key may sit before another caller may take it over.
const staleStartedAfter = 5 * time.Minute

// BeginIdempotency inserts STARTED for (scope, key). When the key already
// SUCCEEDED it returns the stored row and skip=true so the caller can replay the result.
func BeginIdempotency(tx *gorm.DB, scope, key string) (existing *models.IdempotencyKey, skip bool, err error) {
	row := models.IdempotencyKey{
		Scope:      scope,
		RequestKey: key,
		Status:     models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&row).Error; err == nil {
		return &row, false, nil
	} else if !utils.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	var found models.IdempotencyKey
	if err := tx.Where("scope = ? AND request_key = ?", scope, key).First(&found).Error; err != nil {
		return nil, false, err
	}

	switch found.Status {
	case models.IdempotencyStatusSucceeded:
		return &found, true, nil
	case models.IdempotencyStatusStarted:
		if time.Since(found.UpdatedAt) < staleStartedAfter {
			return nil, false, ErrIdempotencyInProgress
		}
	}
	// FAILED or a stale STARTED: take it over.
	err = tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", found.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	return &found, false, err
}

// MarkIdempotencySucceeded stores result (JSON) so replays can return it.
func MarkIdempotencySucceeded(tx *gorm.DB, scope, key string, result any) error {
	updates := map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}
	if result != nil {
		s, err := utils.MarshalToJSON(result)
		if err != nil {
			return err
		}
		updates["result"] = &s
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND request_key = ?", scope, key).
		Updates(updates).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, scope, key string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND request_key = ?", scope, key).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// DecodeIdempotencyResult unmarshals the stored result of a SUCCEEDED key.
func DecodeIdempotencyResult[T any](row *models.IdempotencyKey, out *T) error {
	if row == nil || row.Result == nil {
		return errors.New("idempotency key has no stored result")
	}
	return utils.UnmarshalFromJSON([]byte(*row.Result), out)
}
