package orders

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderflow-dispatch/internal/auth"
	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the API on r. Every route expects an authenticated actor
// on the request context.
func (h *Handler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/unassigned", h.HandleListUnassigned)
		r.Get("/assigned", h.HandleListAssigned)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/accept", h.HandleClaim)
		r.Patch("/{id}/status", h.HandleUpdateStatus)
		r.Post("/{id}/rating", h.HandleRate)
	})
	r.Route("/couriers/me", func(r chi.Router) {
		r.Put("/", h.HandleSaveProfile)
		r.Get("/", h.HandleGetProfile)
		r.Patch("/availability", h.HandleSetAvailability)
	})
	r.Get("/admin/stats", h.HandleStats)
	r.Get("/admin/couriers", h.HandleListProfiles)
}

type addressRequest struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type createOrderRequest struct {
	Products        []domain.LineItem `json:"products"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	ShippingAddress addressRequest    `json:"shipping_address"`
	CustomerPhone   string            `json:"customer_phone"`
	CustomerEmail   string            `json:"customer_email"`
	PaymentMethod   string            `json:"payment_method"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.service.CreateOrder(r.Context(), actor, CreateOrderInput{
		Products:    req.Products,
		TotalAmount: req.TotalAmount,
		ShippingAddress: domain.Address{
			Street:  req.ShippingAddress.Street,
			City:    req.ShippingAddress.City,
			State:   req.ShippingAddress.State,
			ZipCode: req.ShippingAddress.ZipCode,
			Country: req.ShippingAddress.Country,
		},
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		PaymentMethod: domain.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := domain.ParseOrderStatus(strings.TrimSpace(part))
			if err != nil {
				h.writeServiceError(w, r, err)
				return
			}
			statuses = append(statuses, s)
		}
	}

	orders, err := h.service.ListOrders(r.Context(), actorFrom(r), statuses)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleListUnassigned(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListUnassigned(r.Context(), actorFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleListAssigned(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListAssigned(r.Context(), actorFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.ClaimOrder(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), actorFrom(r), chi.URLParam(r, "id"), status, req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

type rateRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *Handler) HandleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.service.RateDelivery(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Rating, req.Comment)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), actorFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type profileRequest struct {
	Phone           string           `json:"phone"`
	VehicleType     string           `json:"vehicle_type"`
	VehicleNumber   string           `json:"vehicle_number"`
	ExperienceYears float64          `json:"experience_years"`
	IsAvailable     *bool            `json:"is_available"`
	CurrentLocation *domain.GeoPoint `json:"current_location"`
}

func (h *Handler) HandleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.service.SaveProfile(r.Context(), actorFrom(r), ProfileInput{
		Phone:           req.Phone,
		VehicleType:     domain.VehicleType(strings.ToLower(req.VehicleType)),
		VehicleNumber:   req.VehicleNumber,
		ExperienceYears: req.ExperienceYears,
		IsAvailable:     req.IsAvailable,
		CurrentLocation: req.CurrentLocation,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetProfile(r.Context(), actorFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

type availabilityRequest struct {
	IsAvailable *bool `json:"is_available"`
}

func (h *Handler) HandleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IsAvailable == nil {
		h.writeError(w, http.StatusBadRequest, "is_available is required")
		return
	}

	p, err := h.service.SetAvailability(r.Context(), actorFrom(r), *req.IsAvailable)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.service.ListProfiles(r.Context(), actorFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profiles)
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := auth.FromContext(r.Context())
	return actor
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type transitionErrorResponse struct {
	Error         string               `json:"error"`
	CurrentStatus domain.OrderStatus   `json:"current_status"`
	Allowed       []domain.OrderStatus `json:"allowed"`
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *domain.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		allowed := invalid.Allowed
		if allowed == nil {
			allowed = []domain.OrderStatus{}
		}
		h.writeJSON(w, http.StatusBadRequest, transitionErrorResponse{
			Error:         invalid.Error(),
			CurrentStatus: invalid.From,
			Allowed:       allowed,
		})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotDelivered):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrClaimConflict), errors.Is(err, domain.ErrAlreadyRated):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
