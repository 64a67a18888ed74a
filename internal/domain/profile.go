package domain

import "time"

type VehicleType string

const (
	VehicleBike    VehicleType = "bike"
	VehicleScooter VehicleType = "scooter"
	VehicleCar     VehicleType = "car"
	VehicleVan     VehicleType = "van"
	VehicleOther   VehicleType = "other"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBike, VehicleScooter, VehicleCar, VehicleVan, VehicleOther:
		return true
	}
	return false
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeliveryProfile belongs to one courier account.
type DeliveryProfile struct {
	UserID          string      `json:"user_id"`
	Phone           string      `json:"phone"`
	VehicleType     VehicleType `json:"vehicle_type"`
	VehicleNumber   string      `json:"vehicle_number"`
	ExperienceYears float64     `json:"experience_years"`
	IsAvailable     bool        `json:"is_available"`
	CurrentLocation *GeoPoint   `json:"current_location,omitempty"`
	AverageRating   float64     `json:"average_rating"`
	RatingCount     int         `json:"rating_count"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type RatingEntry struct {
	OrderID   string    `json:"order_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddRating folds r into the running mean.
func (p *DeliveryProfile) AddRating(r int) {
	total := p.AverageRating*float64(p.RatingCount) + float64(r)
	p.RatingCount++
	p.AverageRating = total / float64(p.RatingCount)
}
