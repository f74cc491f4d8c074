package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrLeadNotFound indicates an unknown lead id or access token.
	ErrLeadNotFound = errors.New("leads: lead not found")
	// ErrMissingToken indicates an empty access token.
	ErrMissingToken = errors.New("leads: access token required")
	// ErrMissingName indicates lead creation without a name.
	ErrMissingName = errors.New("leads: name required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// IDProvider issues identifiers and access tokens for new leads.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig configures the lead service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
}

// Service owns lead record reads and non-appointment writes. Appointment
// fields are written by the booking lifecycle, never here.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	return &Service{db: cfg.Database, idProvider: cfg.IDProvider}, nil
}

// NewLeadInput carries fields for lead creation.
type NewLeadInput struct {
	Name        string
	Email       string
	Phone       string
	Address     string
	ProblemType string
}

// Create inserts a lead with a fresh opaque access token.
func (s *Service) Create(ctx context.Context, input NewLeadInput) (Lead, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Lead{}, ErrMissingName
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Lead{}, fmt.Errorf("leads: id generation: %w", err)
	}
	token, err := s.idProvider.NewID()
	if err != nil {
		return Lead{}, fmt.Errorf("leads: token generation: %w", err)
	}
	lead := Lead{
		ID:          id,
		Name:        name,
		Email:       strings.TrimSpace(input.Email),
		Phone:       strings.TrimSpace(input.Phone),
		Address:     strings.TrimSpace(input.Address),
		ProblemType: strings.TrimSpace(input.ProblemType),
		Stage:       StageNew,
		AccessToken: token,
	}
	if err := s.db.WithContext(ctx).Create(&lead).Error; err != nil {
		return Lead{}, fmt.Errorf("leads: create: %w", err)
	}
	return lead, nil
}

// ByToken resolves a lead from its opaque self-service token.
func (s *Service) ByToken(ctx context.Context, token string) (Lead, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Lead{}, ErrMissingToken
	}
	var lead Lead
	err := s.db.WithContext(ctx).Where("access_token = ?", trimmed).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lead{}, ErrLeadNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("leads: by token: %w", err)
	}
	return lead, nil
}

// ByID resolves a lead for staff-facing operations.
func (s *Service) ByID(ctx context.Context, id string) (Lead, error) {
	var lead Lead
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lead{}, ErrLeadNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("leads: by id: %w", err)
	}
	return lead, nil
}
