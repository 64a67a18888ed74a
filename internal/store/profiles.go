package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

// ProfileRepository stores courier profiles and their rating aggregate.
type ProfileRepository struct {
	db     *sqlx.DB
	txOpts TxOptions
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: sqlx.NewDb(db, "postgres"), txOpts: DefaultTxOptions()}
}

const profileColumns = `user_id, phone, vehicle_type, vehicle_number, experience_years, is_available,
	latitude, longitude, average_rating, rating_count, created_at, updated_at`

type profileRow struct {
	UserID          string          `db:"user_id"`
	Phone           string          `db:"phone"`
	VehicleType     string          `db:"vehicle_type"`
	VehicleNumber   string          `db:"vehicle_number"`
	ExperienceYears float64         `db:"experience_years"`
	IsAvailable     bool            `db:"is_available"`
	Latitude        sql.NullFloat64 `db:"latitude"`
	Longitude       sql.NullFloat64 `db:"longitude"`
	AverageRating   float64         `db:"average_rating"`
	RatingCount     int             `db:"rating_count"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r profileRow) toDomain() *domain.DeliveryProfile {
	p := &domain.DeliveryProfile{
		UserID:          r.UserID,
		Phone:           r.Phone,
		VehicleType:     domain.VehicleType(r.VehicleType),
		VehicleNumber:   r.VehicleNumber,
		ExperienceYears: r.ExperienceYears,
		IsAvailable:     r.IsAvailable,
		AverageRating:   r.AverageRating,
		RatingCount:     r.RatingCount,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if r.Latitude.Valid && r.Longitude.Valid {
		p.CurrentLocation = &domain.GeoPoint{Latitude: r.Latitude.Float64, Longitude: r.Longitude.Float64}
	}
	return p
}

// Upsert registers a profile or updates its contact and vehicle fields. The
// rating aggregate is never overwritten here.
func (r *ProfileRepository) Upsert(ctx context.Context, p *domain.DeliveryProfile) (*domain.DeliveryProfile, error) {
	var lat, lng sql.NullFloat64
	if p.CurrentLocation != nil {
		lat = sql.NullFloat64{Float64: p.CurrentLocation.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: p.CurrentLocation.Longitude, Valid: true}
	}

	var row profileRow
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO delivery_profiles (
			user_id, phone, vehicle_type, vehicle_number, experience_years, is_available,
			latitude, longitude, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			vehicle_type = EXCLUDED.vehicle_type,
			vehicle_number = EXCLUDED.vehicle_number,
			experience_years = EXCLUDED.experience_years,
			is_available = EXCLUDED.is_available,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns,
		p.UserID, p.Phone, string(p.VehicleType), p.VehicleNumber, p.ExperienceYears, p.IsAvailable,
		lat, lng, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert delivery profile: %w", err)
	}
	return row.toDomain(), nil
}

func (r *ProfileRepository) GetByUserID(ctx context.Context, userID string) (*domain.DeliveryProfile, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row, `SELECT `+profileColumns+` FROM delivery_profiles WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery profile %s: %w", userID, domain.ErrNotFound)
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *ProfileRepository) List(ctx context.Context) ([]domain.DeliveryProfile, error) {
	var rows []profileRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+profileColumns+` FROM delivery_profiles ORDER BY user_id`); err != nil {
		return nil, err
	}

	out := make([]domain.DeliveryProfile, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toDomain())
	}
	return out, nil
}

func (r *ProfileRepository) SetAvailability(ctx context.Context, userID string, available bool) (*domain.DeliveryProfile, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row, `
		UPDATE delivery_profiles SET is_available = $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+profileColumns, userID, available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery profile %s: %w", userID, domain.ErrNotFound)
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// AppendRating records one rating per (courier, order) and folds it into the
// running mean in the same transaction.
func (r *ProfileRepository) AppendRating(ctx context.Context, userID string, entry domain.RatingEntry) (*domain.DeliveryProfile, error) {
	err := WithTransaction(ctx, r.db.DB, r.txOpts, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM delivery_profiles WHERE user_id = $1 FOR UPDATE`, userID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("delivery profile %s: %w", userID, domain.ErrNotFound)
			}
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_ratings (courier_id, order_id, rating, comment, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (courier_id, order_id) DO NOTHING
		`, userID, entry.OrderID, entry.Rating, entry.Comment, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert rating: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return domain.ErrAlreadyRated
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE delivery_profiles SET
				average_rating = (average_rating * rating_count + $2) / (rating_count + 1),
				rating_count = rating_count + 1,
				updated_at = $3
			WHERE user_id = $1
		`, userID, float64(entry.Rating), entry.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, userID)
}
