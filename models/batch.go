package models

import "time"

type Batch struct {
	ID          string         `gorm:"primary_key;size:36" json:"id"`
	StageType   BatchStageType `gorm:"size:20;index;not null" json:"stage_type"`
	Status      BatchStatus    `gorm:"size:20;index;not null" json:"status"`
	FromDate    *time.Time     `json:"from_date"`
	ToDate      *time.Time     `json:"to_date"`
	Members     []BatchMember  `gorm:"foreignKey:BatchId" json:"members,omitempty"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// BatchMember keeps the original membership of a batch; rows change state but are never deleted.
type BatchMember struct {
	ID        int         `gorm:"primary_key" json:"id"`
	BatchId   string      `gorm:"size:36;index;not null" json:"batch_id"`
	UnitId    string      `gorm:"size:36;index;not null" json:"unit_id"`
	State     MemberState `gorm:"size:20;index;not null" json:"state"`
	JoinedAt  time.Time   `gorm:"not null" json:"joined_at"`
	LeftAt    *time.Time  `json:"left_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	StageType BatchStageType `json:"stage_type" binding:"required"`
	FromDate  *time.Time     `json:"from_date"`
	ToDate    *time.Time     `json:"to_date"`
}

// BatchAccounting reconciles original membership against where members are now.
type BatchAccounting struct {
	BatchId       string `json:"batch_id"`
	Original      int    `json:"original"`
	ActiveInStage int    `json:"active_in_stage"`
	Advanced      int    `json:"advanced"`
	Removed       int    `json:"removed"`
}

// Balanced reports original = active-in-stage + advanced + removed.
func (a BatchAccounting) Balanced() bool {
	return a.Original == a.ActiveInStage+a.Advanced+a.Removed
}
