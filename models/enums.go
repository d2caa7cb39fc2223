package models

import (
	"encoding/json"
	"fmt"
)

// Stage is the position of a production unit in the fulfillment pipeline.
type Stage string

const (
	StagePlanned    Stage = "PLANNED"
	StageKitting    Stage = "KITTING"
	StageKitted     Stage = "KITTED"
	StagePacking    Stage = "PACKING"
	StagePacked     Stage = "PACKED"
	StageQCPending  Stage = "QC_PENDING"
	StageQCPassed   Stage = "QC_PASSED"
	StageQCFailed   Stage = "QC_FAILED"
	StagePrinting   Stage = "PRINTING"
	StagePrinted    Stage = "PRINTED"
	StageDispatched Stage = "DISPATCHED"
)

var allStages = []Stage{
	StagePlanned, StageKitting, StageKitted, StagePacking, StagePacked,
	StageQCPending, StageQCPassed, StageQCFailed, StagePrinting, StagePrinted, StageDispatched,
}

func (s Stage) IsValid() bool {
	for _, v := range allStages {
		if s == v {
			return true
		}
	}
	return false
}

// convert input to enum type
func (s *Stage) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("stage must be string")
	}
	if !Stage(str).IsValid() {
		return fmt.Errorf("invalid stage %q", str)
	}
	*s = Stage(str)
	return nil
}

// BatchStageType is the stage a batch groups units for.
type BatchStageType string

const (
	BatchStageKitting BatchStageType = "KITTING"
	BatchStagePacking BatchStageType = "PACKING"
)

func (t BatchStageType) IsValid() bool {
	return t == BatchStageKitting || t == BatchStagePacking
}

// Stage returns the unit stage members occupy while the batch holds them.
func (t BatchStageType) Stage() Stage {
	return Stage(t)
}

// EntryStage is the stage a unit must be in to be moved into the batch stage.
func (t BatchStageType) EntryStage() Stage {
	switch t {
	case BatchStageKitting:
		return StagePlanned
	case BatchStagePacking:
		return StageKitted
	}
	return ""
}

func (t *BatchStageType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("stage type must be string")
	}
	if !BatchStageType(str).IsValid() {
		return fmt.Errorf("invalid stage type %q", str)
	}
	*t = BatchStageType(str)
	return nil
}

type BatchStatus string

const (
	BatchStatusOpen       BatchStatus = "OPEN"
	BatchStatusInProgress BatchStatus = "IN_PROGRESS"
	BatchStatusComplete   BatchStatus = "COMPLETE"
)

type MemberState string

const (
	MemberStateActive   MemberState = "ACTIVE"
	MemberStateAdvanced MemberState = "ADVANCED"
	MemberStateRemoved  MemberState = "REMOVED"
)

type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "RESERVED"
	ReservationStatusConsumed ReservationStatus = "CONSUMED"
)

type MovementReason string

const (
	MovementReasonAutoPick   MovementReason = "AUTO_PICK"
	MovementReasonPutback    MovementReason = "PUTBACK"
	MovementReasonCycleCount MovementReason = "CYCLE_COUNT"
	MovementReasonReceipt    MovementReason = "RECEIPT"
	MovementReasonManual     MovementReason = "MANUAL"
)

type CycleCountStatus string

const (
	CycleCountStatusOpen CycleCountStatus = "OPEN"
)

type ROPStatus string

const (
	ROPStatusPending  ROPStatus = "PENDING"
	ROPStatusAdjusted ROPStatus = "ADJUSTED"
	ROPStatusOrdered  ROPStatus = "ORDERED"
)

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusIssued            PurchaseOrderStatus = "ISSUED"
	PurchaseOrderStatusPartiallyReceived PurchaseOrderStatus = "PARTIALLY_RECEIVED"
	PurchaseOrderStatusReceived          PurchaseOrderStatus = "RECEIVED"
	PurchaseOrderStatusCancelled         PurchaseOrderStatus = "CANCELLED"
)

type CalculationStatus string

const (
	CalculationStatusRunning   CalculationStatus = "RUNNING"
	CalculationStatusSucceeded CalculationStatus = "SUCCEEDED"
	CalculationStatusFailed    CalculationStatus = "FAILED"
)

type SyncService string

const (
	SyncServiceVendorSync     SyncService = "VENDOR_SYNC"
	SyncServiceOrderIngestion SyncService = "ORDER_INGESTION"
)

type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING"
	SyncStatusFailed    SyncStatus = "FAILED"
	SyncStatusSucceeded SyncStatus = "SUCCEEDED"
	SyncStatusDead      SyncStatus = "DEAD"
)

// Outbox publish statuses for EventRecord.PublishStatus.
// Keep these as strings (DB values).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Domain event types written to the outbox.
const (
	EventBatchReady           = "batch.ready"
	EventBatchCompleted       = "batch.completed"
	EventUnitDispatched       = "unit.dispatched"
	EventPurchaseOrderCreated = "purchase_order.created"
	EventCycleCountApplied    = "cycle_count.applied"
	EventROPCalculated        = "rop.calculated"
)
