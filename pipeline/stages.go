package pipeline

import "github.com/mmdatafocus/fulfillment_backend/models"

// transitions is the closed stage machine. DISPATCHED is terminal.
var transitions = map[models.Stage][]models.Stage{
	models.StagePlanned:   {models.StageKitting},
	models.StageKitting:   {models.StageKitted},
	models.StageKitted:    {models.StagePacking},
	models.StagePacking:   {models.StagePacked},
	models.StagePacked:    {models.StageQCPending},
	models.StageQCPending: {models.StageQCPassed, models.StageQCFailed},
	models.StageQCPassed:  {models.StagePrinting},
	models.StageQCFailed:  {models.StagePlanned},
	models.StagePrinting:  {models.StagePrinted},
	models.StagePrinted:   {models.StageDispatched},
}

// Successors lists the legal next stages of from.
func Successors(from models.Stage) []models.Stage {
	return transitions[from]
}

func IsLegalTransition(from, to models.Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// batchStageFor maps a batch-held stage to its batch type.
func batchStageFor(stage models.Stage) (models.BatchStageType, bool) {
	switch stage {
	case models.StageKitting:
		return models.BatchStageKitting, true
	case models.StagePacking:
		return models.BatchStagePacking, true
	}
	return "", false
}
