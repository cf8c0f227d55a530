package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

// ── Work unit model ───────────────────────────────────────────────

type unitModel struct {
	bun.BaseModel `bun:"table:taskloom_work_units,alias:u"`

	ID             string     `bun:"id,pk"`
	Kind           string     `bun:"kind,notnull"`
	State          string     `bun:"state,notnull,default:'pending'"`
	Attempts       int        `bun:"attempts,notnull,default:0"`
	MaxAttempts    int        `bun:"max_attempts,notnull,default:3"`
	LeaseHolder    string     `bun:"lease_holder"`
	LeaseExpiresAt *time.Time `bun:"lease_expires_at"`
	NotBefore      *time.Time `bun:"not_before"`
	LastError      string     `bun:"last_error"`
	StartedAt      *time.Time `bun:"started_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`

	// Payload lives in its own table; populated only by joined selects.
	Payload []byte `bun:"payload,scanonly"`
}

func toUnitModel(u *unit.Unit) *unitModel {
	m := &unitModel{
		ID:             u.ID.String(),
		Kind:           u.Kind,
		State:          string(u.State),
		Attempts:       u.Attempts,
		MaxAttempts:    u.MaxAttempts,
		LeaseHolder:    u.LeaseHolder.String(),
		LeaseExpiresAt: u.LeaseExpiresAt,
		LastError:      u.LastError,
		StartedAt:      u.StartedAt,
		CompletedAt:    u.CompletedAt,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
	if !u.NotBefore.IsZero() {
		nb := u.NotBefore
		m.NotBefore = &nb
	}
	return m
}

func fromUnitModel(m *unitModel) (*unit.Unit, error) {
	parsedID, err := id.ParseUnitID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("taskloom/bun: parse unit id %q: %w", m.ID, err)
	}

	u := &unit.Unit{
		Entity: taskloom.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		Kind:           m.Kind,
		Payload:        m.Payload,
		State:          unit.State(m.State),
		Attempts:       m.Attempts,
		MaxAttempts:    m.MaxAttempts,
		LeaseExpiresAt: m.LeaseExpiresAt,
		LastError:      m.LastError,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}
	if m.NotBefore != nil {
		u.NotBefore = *m.NotBefore
	}
	if m.LeaseHolder != "" {
		holder, hErr := id.ParseDispatcherID(m.LeaseHolder)
		if hErr == nil {
			u.LeaseHolder = holder
		}
	}
	return u, nil
}

func fromUnitModels(models []unitModel) ([]*unit.Unit, error) {
	units := make([]*unit.Unit, 0, len(models))
	for i := range models {
		u, err := fromUnitModel(&models[i])
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// ── Payload model ─────────────────────────────────────────────────

type payloadModel struct {
	bun.BaseModel `bun:"table:taskloom_work_unit_payloads,alias:p"`

	UnitID  string `bun:"unit_id,pk"`
	Payload []byte `bun:"payload,notnull,type:bytea"`
}

// ── Requirement model ─────────────────────────────────────────────

type requirementModel struct {
	bun.BaseModel `bun:"table:taskloom_work_unit_requirements,alias:r"`

	DependentID  string    `bun:"dependent_id,pk"`
	DependencyID string    `bun:"dependency_id,pk"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ── Exception model ───────────────────────────────────────────────

type exceptionModel struct {
	bun.BaseModel `bun:"table:taskloom_work_exceptions,alias:e"`

	ID        string    `bun:"id,pk"`
	UnitID    string    `bun:"unit_id,notnull"`
	Kind      string    `bun:"kind,notnull"`
	Message   string    `bun:"message"`
	Attempt   int       `bun:"attempt,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toExceptionModel(e *unit.Exception) *exceptionModel {
	return &exceptionModel{
		ID:        e.ID.String(),
		UnitID:    e.UnitID.String(),
		Kind:      string(e.Kind),
		Message:   e.Message,
		Attempt:   e.Attempt,
		CreatedAt: e.CreatedAt,
	}
}

func fromExceptionModel(m *exceptionModel) (*unit.Exception, error) {
	excID, err := id.ParseExceptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("taskloom/bun: parse exception id %q: %w", m.ID, err)
	}
	unitID, err := id.ParseUnitID(m.UnitID)
	if err != nil {
		return nil, fmt.Errorf("taskloom/bun: parse unit id %q: %w", m.UnitID, err)
	}

	return &unit.Exception{
		ID:        excID,
		UnitID:    unitID,
		Kind:      unit.ExceptionKind(m.Kind),
		Message:   m.Message,
		Attempt:   m.Attempt,
		CreatedAt: m.CreatedAt,
	}, nil
}
