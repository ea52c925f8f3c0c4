package service

import (
	"context"

	"trialgate/internal/domain"
	"trialgate/internal/dto"
)

type ValidationService interface {
	StartTrial(ctx context.Context, userID domain.UserID, req dto.StartTrialRequest, ip, ua string) (*dto.TrialValidationResult, error)
	ValidateTrial(ctx context.Context, userID domain.UserID, req dto.ValidateTrialRequest, ip, ua string) (*dto.TrialValidationResult, error)
}
