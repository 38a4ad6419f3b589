package service

import "github.com/and161185/provenance/internal/model"

// DeriveStatus returns the product status after a checkpoint of type typ.
// Recalled is absorbing; the manufacture checkpoint leaves a fresh product created. It is consulted only by the checkpoint append path.
func DeriveStatus(current model.ProductStatus, typ model.CheckpointType) model.ProductStatus {
	if current == model.StatusRecalled {
		return model.StatusRecalled
	}
	switch typ {
	case model.CheckpointManufacture:
		return current
	case model.CheckpointDelivery:
		return model.StatusDelivered
	case model.CheckpointRetail:
		return model.StatusSold
	case model.CheckpointRecall:
		return model.StatusRecalled
	default:
		return model.StatusInTransit
	}
}
