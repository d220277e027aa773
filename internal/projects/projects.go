// Package projects manages project rows and memberships. Projects are
// administrative state, not workflow facts, so these operations write rows
// directly rather than through the event log; the closed event set carries no
// project events and the replay engine never rebuilds this data.
package projects

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/pkg/ledger"
)

// Service exposes project administration.
type Service struct {
	ledger *ledger.Client
	guard  *guard.Guard
	log    *zap.Logger
}

// New creates the project service.
func New(client *ledger.Client, g *guard.Guard, log *zap.Logger) *Service {
	return &Service{ledger: client, guard: g, log: log}
}

// Init creates a project and makes the authenticated caller its first owner.
// Any authenticated user may create a project; membership cannot be required
// for a project that does not exist yet.
func (s *Service) Init(ctx context.Context, scope ledger.Scope, name string) (*ledger.Project, error) {
	userID, err := s.guard.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, ledger.E(ledger.KindInvalidArgument, "invalid scope: %v", err)
	}
	if name == "" {
		name = scope.ProjectID
	}

	project := &ledger.Project{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		Name:      name,
		CreatedBy: userID,
		CreatedAt: s.ledger.NowMS(),
	}
	owner := &ledger.Member{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		UserID:    userID,
		Role:      ledger.RoleOwner,
		AddedBy:   userID,
		AddedAt:   project.CreatedAt,
	}

	projectKey := ledger.ProjectKey(scope.TenantID, scope.ProjectID)
	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		_, err := s.ledger.GetProject(ctx, scope.TenantID, scope.ProjectID)
		if err == nil {
			return ledger.E(ledger.KindProjectExists, "project %s already exists", scope)
		}
		if !ledger.IsNotFound(err) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.ledger.StageProject(ctx, pipe, project)
			s.ledger.StageMember(ctx, pipe, owner)
			return nil
		})
		return err
	}, projectKey)
	if err != nil {
		return nil, err
	}

	s.log.Info("project created",
		zap.String("tenant_id", scope.TenantID),
		zap.String("project_id", scope.ProjectID),
		zap.String("created_by", userID))
	return project, nil
}

// AddMember grants a role to a user. Owner only.
func (s *Service) AddMember(ctx context.Context, scope ledger.Scope, userID string, role ledger.Role) (*ledger.Member, error) {
	auth, err := s.guard.Require(ctx, scope, ledger.RoleOwner)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ledger.E(ledger.KindInvalidArgument, "user ID cannot be empty")
	}
	if err := role.Validate(); err != nil {
		return nil, ledger.E(ledger.KindInvalidArgument, "%v", err)
	}

	member := &ledger.Member{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		UserID:    userID,
		Role:      role,
		AddedBy:   auth.UserID,
		AddedAt:   s.ledger.NowMS(),
	}

	memberKey := ledger.MemberKey(scope, userID)
	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		_, err := s.ledger.GetMember(ctx, scope, userID)
		if err == nil {
			return ledger.E(ledger.KindDuplicateMember, "user %q is already a member", userID)
		}
		if !ledger.IsNotFound(err) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.ledger.StageMember(ctx, pipe, member)
			return nil
		})
		return err
	}, memberKey)
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember revokes a membership. Owner only; the last owner cannot be
// removed, which keeps every project administrable.
func (s *Service) RemoveMember(ctx context.Context, scope ledger.Scope, userID string) error {
	if _, err := s.guard.Require(ctx, scope, ledger.RoleOwner); err != nil {
		return err
	}

	membersKey := ledger.MembersKey(scope)
	return s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		target, err := s.ledger.GetMember(ctx, scope, userID)
		if err != nil {
			return err
		}

		if target.Role == ledger.RoleOwner {
			owners := 0
			members, err := s.ledger.ListMembers(ctx, scope)
			if err != nil {
				return err
			}
			for _, m := range members {
				if m.Role == ledger.RoleOwner {
					owners++
				}
			}
			if owners <= 1 {
				return ledger.E(ledger.KindCannotRemoveLastOwner,
					"cannot remove %q: a project must keep at least one owner", userID)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.ledger.StageMemberRemoval(ctx, pipe, scope, userID)
			return nil
		})
		return err
	}, membersKey, ledger.MemberKey(scope, userID))
}

// ListMembers returns every membership in the project. Any member may list.
func (s *Service) ListMembers(ctx context.Context, scope ledger.Scope) ([]*ledger.Member, error) {
	if _, err := s.guard.Require(ctx, scope); err != nil {
		return nil, err
	}
	return s.ledger.ListMembers(ctx, scope)
}

// MyRole returns the caller's own role in the project.
func (s *Service) MyRole(ctx context.Context, scope ledger.Scope) (ledger.Role, error) {
	auth, err := s.guard.Require(ctx, scope)
	if err != nil {
		return "", err
	}
	return auth.Role, nil
}
