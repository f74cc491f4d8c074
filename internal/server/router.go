package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldquote/bookd/backend/internal/alerting"
	"github.com/fieldquote/bookd/backend/internal/booking"
	"github.com/fieldquote/bookd/backend/internal/calendar"
	"github.com/fieldquote/bookd/backend/internal/leads"
	"github.com/fieldquote/bookd/backend/internal/slots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const staffIDContextKey = "bookd_staff_id"

// Provider push notification headers. The body of a notification is not
// meaningful and is never parsed for control decisions.
const (
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	resourceStateSync   = "sync"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingSlotStore      = errors.New("slot store dependency required")
	errMissingLeadService    = errors.New("lead service dependency required")
	errMissingBookingService = errors.New("booking service dependency required")
	errMissingSyncEngine     = errors.New("sync engine dependency required")
	errMissingWebhookSecret  = errors.New("webhook secret required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// StaffTokenManager validates and issues staff session tokens.
type StaffTokenManager interface {
	Login(ctx context.Context, user, password string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenManager        StaffTokenManager
	Slots               *slots.Store
	Leads               *leads.Service
	Booking             *booking.Service
	Engine              *calendar.Engine
	Notifier            alerting.Notifier
	Logger              *zap.Logger
	WebhookSecret       string
	SlotListTailDays    int
	DefaultSlotCapacity int
}

// NewHTTPHandler builds the gin router for the API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Slots == nil {
		return nil, errMissingSlotStore
	}
	if deps.Leads == nil {
		return nil, errMissingLeadService
	}
	if deps.Booking == nil {
		return nil, errMissingBookingService
	}
	if deps.Engine == nil {
		return nil, errMissingSyncEngine
	}
	if strings.TrimSpace(deps.WebhookSecret) == "" {
		return nil, errMissingWebhookSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tailDays := deps.SlotListTailDays
	if tailDays <= 0 {
		tailDays = 30
	}
	defaultCapacity := deps.DefaultSlotCapacity
	if defaultCapacity <= 0 {
		defaultCapacity = 2
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:          deps.TokenManager,
		slots:           deps.Slots,
		leads:           deps.Leads,
		booking:         deps.Booking,
		engine:          deps.Engine,
		notifier:        deps.Notifier,
		logger:          logger,
		webhookSecret:   deps.WebhookSecret,
		tailDays:        tailDays,
		defaultCapacity: defaultCapacity,
	}

	router.POST("/staff/login", handler.handleStaffLogin)
	router.GET("/slots", handler.handleListSlots)
	router.POST("/bookings", handler.handleBook)
	router.POST("/bookings/reschedule", handler.handleReschedule)
	router.POST("/bookings/cancel", handler.handleCancel)
	router.POST("/calendar/webhook", handler.handleWebhook)

	staff := router.Group("/staff")
	staff.Use(handler.authorizeStaff)
	staff.POST("/leads", handler.handleCreateLead)
	staff.GET("/leads/:id/events", handler.handleLeadEvents)
	staff.POST("/leads/:id/book", handler.handleStaffBook)
	staff.POST("/leads/:id/reschedule", handler.handleStaffReschedule)
	staff.POST("/leads/:id/cancel", handler.handleStaffCancel)
	staff.POST("/slots", handler.handleCreateSlot)
	staff.POST("/slots/generate", handler.handleGenerateSlots)
	staff.POST("/slots/:id/open", handler.handleSetSlotOpen)
	staff.POST("/slots/:id/retire", handler.handleRetireSlot)
	staff.POST("/calendar/sync", handler.handleSyncTrigger)
	staff.POST("/calendar/watch", handler.handleRegisterWatch)
	staff.GET("/calendar/events", handler.handleListMirrors)

	return router, nil
}

type httpHandler struct {
	tokens          StaffTokenManager
	slots           *slots.Store
	leads           *leads.Service
	booking         *booking.Service
	engine          *calendar.Engine
	notifier        alerting.Notifier
	logger          *zap.Logger
	webhookSecret   string
	tailDays        int
	defaultCapacity int
}

// writeError maps the service error taxonomy onto HTTP statuses with
// stable machine-readable codes.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, slots.ErrSlotFull):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "SLOT_FULL",
			"message": "that time is no longer available, please pick another",
		})
	case errors.Is(err, booking.ErrAlreadyBooked):
		c.JSON(http.StatusConflict, gin.H{"error": "ALREADY_BOOKED"})
	case errors.Is(err, booking.ErrNoAppointment):
		c.JSON(http.StatusConflict, gin.H{"error": "NO_APPOINTMENT"})
	case errors.Is(err, leads.ErrLeadNotFound), errors.Is(err, slots.ErrSlotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, leads.ErrMissingToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, slots.ErrInvalidSlotDate),
		errors.Is(err, slots.ErrInvalidSlotTime),
		errors.Is(err, slots.ErrInvalidCapacity),
		errors.Is(err, slots.ErrInvalidTemplate),
		errors.Is(err, slots.ErrInvalidRange),
		errors.Is(err, leads.ErrMissingName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type staffLoginPayload struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (h *httpHandler) handleStaffLogin(c *gin.Context) {
	var request staffLoginPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.User) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, expiresIn, err := h.tokens.Login(c.Request.Context(), request.User, request.Password)
	if err != nil {
		h.logger.Warn("staff login failed", zap.String("user", request.User))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   expiresIn,
		"token_type":   "Bearer",
	})
}

func (h *httpHandler) authorizeStaff(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("staff token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(staffIDContextKey, subject)
	c.Next()
}

type slotPayload struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Remaining int    `json:"remaining"`
}

func (h *httpHandler) handleListSlots(c *gin.Context) {
	open, err := h.slots.ListOpen(c.Request.Context(), time.Now().UTC(), h.tailDays)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]slotPayload, 0, len(open))
	for _, slot := range open {
		payload = append(payload, slotPayload{
			ID:        slot.ID,
			Date:      slot.Date,
			Time:      slot.Time,
			Remaining: slot.Remaining(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"slots": payload})
}

type bookPayload struct {
	Token  string `json:"token"`
	SlotID string `json:"slot_id"`
}

func (h *httpHandler) handleBook(c *gin.Context) {
	var request bookPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SlotID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.booking.ConfirmBooking(c.Request.Context(), request.Token, request.SlotID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": result.Date, "time": result.Time})
}

type reschedulePayload struct {
	Token     string `json:"token"`
	NewSlotID string `json:"new_slot_id"`
}

func (h *httpHandler) handleReschedule(c *gin.Context) {
	var request reschedulePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.NewSlotID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.booking.Reschedule(c.Request.Context(), request.Token, request.NewSlotID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": result.Date, "time": result.Time})
}

type cancelPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleCancel(c *gin.Context) {
	var request cancelPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.booking.Cancel(c.Request.Context(), request.Token); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// handleWebhook receives provider push notifications. The endpoint always
// acknowledges with 200 so the provider does not retry-storm; internal
// failures go to the ops notifier instead.
func (h *httpHandler) handleWebhook(c *gin.Context) {
	if c.GetHeader(headerChannelToken) != h.webhookSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	state := c.GetHeader(headerResourceState)
	if state == resourceStateSync {
		// Channel confirmation; acknowledge without fetching.
		c.Status(http.StatusOK)
		return
	}

	if _, err := h.engine.Sync(c.Request.Context(), false); err != nil {
		h.logger.Warn("webhook-triggered sync failed", zap.Error(err))
		if h.notifier != nil {
			h.notifier.NotifyOpsAlert(c.Request.Context(), "server.webhook", "webhook-triggered sync failed", err, map[string]string{
				"resource_state": state,
			})
		}
	}
	c.Status(http.StatusOK)
}

type createLeadPayload struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	ProblemType string `json:"problem_type"`
}

func (h *httpHandler) handleCreateLead(c *gin.Context) {
	var request createLeadPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	lead, err := h.leads.Create(c.Request.Context(), leads.NewLeadInput{
		Name:        request.Name,
		Email:       request.Email,
		Phone:       request.Phone,
		Address:     request.Address,
		ProblemType: request.ProblemType,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           lead.ID,
		"access_token": lead.AccessToken,
		"stage":        lead.Stage,
	})
}

func (h *httpHandler) handleLeadEvents(c *gin.Context) {
	events, err := h.booking.EventsForLead(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type staffBookPayload struct {
	SlotID string `json:"slot_id"`
}

func (h *httpHandler) handleStaffBook(c *gin.Context) {
	var request staffBookPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SlotID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.booking.ConfirmBookingForLead(c.Request.Context(), c.Param("id"), request.SlotID, c.GetString(staffIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": result.Date, "time": result.Time})
}

type staffReschedulePayload struct {
	NewSlotID string `json:"new_slot_id"`
}

func (h *httpHandler) handleStaffReschedule(c *gin.Context) {
	var request staffReschedulePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.NewSlotID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.booking.RescheduleForLead(c.Request.Context(), c.Param("id"), request.NewSlotID, c.GetString(staffIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": result.Date, "time": result.Time})
}

func (h *httpHandler) handleStaffCancel(c *gin.Context) {
	if err := h.booking.CancelForLead(c.Request.Context(), c.Param("id"), c.GetString(staffIDContextKey)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type createSlotPayload struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Capacity int    `json:"capacity"`
	Notes    string `json:"notes"`
}

func (h *httpHandler) handleCreateSlot(c *gin.Context) {
	var request createSlotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Capacity == 0 {
		request.Capacity = h.defaultCapacity
	}
	slot, err := h.slots.Create(c.Request.Context(), slots.NewSlotInput{
		Date:     request.Date,
		Time:     request.Time,
		Capacity: request.Capacity,
		Notes:    request.Notes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": slot.ID, "date": slot.Date, "time": slot.Time})
}

type generateSlotsPayload struct {
	Weekdays []int    `json:"weekdays"`
	Times    []string `json:"times"`
	Capacity int      `json:"capacity"`
	Notes    string   `json:"notes"`
	From     string   `json:"from"`
	Until    string   `json:"until"`
}

func (h *httpHandler) handleGenerateSlots(c *gin.Context) {
	var request generateSlotsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Capacity == 0 {
		request.Capacity = h.defaultCapacity
	}
	weekdays := make([]time.Weekday, 0, len(request.Weekdays))
	for _, day := range request.Weekdays {
		if day < 0 || day > 6 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		weekdays = append(weekdays, time.Weekday(day))
	}
	result, err := h.slots.Generate(c.Request.Context(), slots.WeekTemplate{
		Weekdays: weekdays,
		Times:    request.Times,
		Capacity: request.Capacity,
		Notes:    request.Notes,
	}, request.From, request.Until)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": result.Created, "skipped": result.Skipped})
}

type setSlotOpenPayload struct {
	Open bool `json:"open"`
}

func (h *httpHandler) handleSetSlotOpen(c *gin.Context) {
	var request setSlotOpenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.slots.SetOpen(c.Request.Context(), c.Param("id"), request.Open); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"open": request.Open})
}

func (h *httpHandler) handleRetireSlot(c *gin.Context) {
	if err := h.slots.Retire(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retired": true})
}

func (h *httpHandler) handleSyncTrigger(c *gin.Context) {
	force := c.Query("full") == "1" || c.Query("full") == "true"
	report, err := h.engine.Sync(c.Request.Context(), force)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    report.Upserted,
		"pages":     report.Pages,
		"full_sync": report.FullSync,
	})
}

func (h *httpHandler) handleRegisterWatch(c *gin.Context) {
	channel, err := h.engine.RegisterWatch(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel_id":  channel.ID,
		"resource_id": channel.ResourceID,
		"expiration":  channel.Expiration,
	})
}

func (h *httpHandler) handleListMirrors(c *gin.Context) {
	now := time.Now().UTC()
	from := now.Add(-30 * 24 * time.Hour)
	to := now.Add(90 * 24 * time.Hour)
	mirrors, err := h.engine.ListMirrors(c.Request.Context(), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": mirrors})
}
