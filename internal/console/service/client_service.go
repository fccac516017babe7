package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/audit"
	"github.com/xela07ax/shared-counter/internal/domain"
)

// ErrAuditUnavailable is returned when no audit store is configured.
var ErrAuditUnavailable = errors.New("audit trail is not persisted by this deployment")

// SecurityEngine is the part of the counter engine operators act on.
type SecurityEngine interface {
	SetBlock(ctx context.Context, fp string, action domain.BlockAction, duration time.Duration) (domain.BlockResult, error)
	ClientState(ctx context.Context, fp string) (domain.ClientSecurityState, error)
	GetSecurityStats(ctx context.Context) (domain.SecurityStats, error)
}

type AuditReader interface {
	FetchRecent(ctx context.Context, fp string, limit int) ([]audit.OperationRecord, error)
}

type ClientService struct {
	engine SecurityEngine
	audit  AuditReader
	logger *zap.Logger
}

// NewClientService; auditLog may be nil.
func NewClientService(engine SecurityEngine, auditLog AuditReader, logger *zap.Logger) *ClientService {
	return &ClientService{engine: engine, audit: auditLog, logger: logger.Named("client-service")}
}

func (s *ClientService) Block(ctx context.Context, operator, fp string, duration time.Duration) (domain.BlockResult, error) {
	return s.setBlock(ctx, operator, fp, domain.ActionBlock, duration)
}

func (s *ClientService) Unblock(ctx context.Context, operator, fp string) (domain.BlockResult, error) {
	return s.setBlock(ctx, operator, fp, domain.ActionUnblock, 0)
}

func (s *ClientService) setBlock(ctx context.Context, operator, fp string, action domain.BlockAction, duration time.Duration) (domain.BlockResult, error) {
	res, err := s.engine.SetBlock(ctx, fp, action, duration)
	if err != nil {
		s.logger.Error("operator action failed",
			zap.String("fingerprint", fp),
			zap.String("action", string(action)),
			zap.String("operator", operator),
			zap.Error(err))
		return domain.BlockResult{}, err
	}
	s.logger.Info("operator action applied",
		zap.String("fingerprint", fp),
		zap.String("action", string(action)),
		zap.String("operator", operator),
		zap.Bool("blocked", res.Blocked))
	return res, nil
}

func (s *ClientService) State(ctx context.Context, fp string) (domain.ClientSecurityState, error) {
	return s.engine.ClientState(ctx, fp)
}

func (s *ClientService) Stats(ctx context.Context) (domain.SecurityStats, error) {
	return s.engine.GetSecurityStats(ctx)
}

func (s *ClientService) AuditLog(ctx context.Context, fp string, limit int) ([]audit.OperationRecord, error) {
	if s.audit == nil {
		return nil, ErrAuditUnavailable
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.audit.FetchRecent(ctx, fp, limit)
}
