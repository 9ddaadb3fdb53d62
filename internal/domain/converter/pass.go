package converter

import (
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	storageModel "github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage/model"
)

func ToPassFromStorage(storagePass storageModel.Pass) models.Pass {
	pass := models.Pass{
		ID:            storagePass.ID,
		UID:           storagePass.UID,
		PassID:        storagePass.PassID,
		PassType:      models.PassType(storagePass.PassType),
		Category:      storagePass.Category,
		PeopleAllowed: storagePass.PeopleAllowed,
		Status:        models.PassStatus(storagePass.Status),
		MaxUses:       storagePass.MaxUses,
		UsedCount:     storagePass.UsedCount,
		CreatedBy:     storagePass.CreatedBy,
		CreatedAt:     storagePass.CreatedAt,
		UpdatedAt:     storagePass.UpdatedAt,
	}

	if storagePass.LastScanAt.Valid {
		pass.LastScanAt = storagePass.LastScanAt.Time
	}
	if storagePass.LastScanBy.Valid {
		pass.LastScanBy = storagePass.LastScanBy.String
	}

	return pass
}

func ToPassesFromStorage(storagePasses []storageModel.Pass) []models.Pass {
	passes := make([]models.Pass, len(storagePasses))
	for i, pass := range storagePasses {
		passes[i] = ToPassFromStorage(pass)
	}

	return passes
}

// ToProjectionFromPass builds the cached subset used by verification.
func ToProjectionFromPass(pass models.Pass) models.PassProjection {
	return models.PassProjection{
		UID:           pass.UID,
		PassID:        pass.PassID,
		PassDBID:      pass.ID,
		Status:        pass.Status,
		PeopleAllowed: pass.PeopleAllowed,
		PassType:      pass.PassType,
		Category:      pass.Category,
		MaxUses:       pass.MaxUses,
		UsedCount:     pass.UsedCount,
	}
}
