package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentrydesk-backend/internal/models"
)

type PlanRepo struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

func (r *PlanRepo) List(ctx context.Context) ([]models.Plan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, duration_minutes, price_cents, is_active, created_at
		FROM plans
		WHERE is_active = TRUE
		ORDER BY duration_minutes`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.DurationMinutes, &p.PriceCents, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	p := &models.Plan{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, price_cents, is_active, created_at
		FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.DurationMinutes, &p.PriceCents, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
