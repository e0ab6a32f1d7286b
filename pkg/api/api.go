// Package api exposes the push ingestion endpoint and the operational
// read endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/config"
	"github.com/pulsehr/attendance-engine/pkg/engine"
	"github.com/pulsehr/attendance-engine/pkg/identity"
	"github.com/pulsehr/attendance-engine/pkg/ingest"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

// RecordLister reads attendance records for the query endpoint
type RecordLister interface {
	ListRecords(ctx context.Context, employeeID, date string, limit int) ([]*attendance.Record, error)
}

// Server holds the HTTP handlers and their collaborators
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	records  RecordLister
	held     engine.HeldStore
	dialer   terminal.Dialer
	mapper   *identity.Mapper
	logger   *zap.Logger
	validate *validator.Validate
}

// NewServer creates the API server
func NewServer(
	cfg *config.Config,
	eng *engine.Engine,
	records RecordLister,
	held engine.HeldStore,
	dialer terminal.Dialer,
	mapper *identity.Mapper,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		engine:   eng,
		records:  records,
		held:     held,
		dialer:   dialer,
		mapper:   mapper,
		logger:   logger,
		validate: validator.New(),
	}
}

// Routes mounts the versioned API routes on the router
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Auth(s.cfg.Server.JWTSecret))
		r.Post("/punches", s.handlePush)
		r.Get("/attendance", s.handleAttendance)
		r.Get("/terminals", s.handleTerminals)
		r.Get("/terminals/{id}/users", s.handleTerminalUsers)
		r.Get("/held", s.handleHeld)
	})
}

// PushPunch is one punch in a pushed batch
type PushPunch struct {
	LocalUserID string    `json:"local_user_id" validate:"required"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	Seq         int64     `json:"seq" validate:"gte=0"`
	Direction   string    `json:"direction" validate:"omitempty,oneof=in out"`
}

// PushRequest is a batch of punches pushed by a terminal or gateway
type PushRequest struct {
	TerminalID string      `json:"terminal_id" validate:"required"`
	Punches    []PushPunch `json:"punches" validate:"required,min=1,dive"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request")
		return
	}

	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit := s.cfg.Ingestion.PushBatchLimit; limit > 0 && len(req.Punches) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d punches", limit))
		return
	}

	punches := make([]attendance.PunchEvent, 0, len(req.Punches))
	for _, p := range req.Punches {
		punches = append(punches, ingest.Normalize(req.TerminalID, terminal.RawPunch{
			LocalUserID: p.LocalUserID,
			Timestamp:   p.Timestamp,
			Seq:         p.Seq,
			Direction:   p.Direction,
		}))
	}

	outcome, err := s.engine.IngestPush(r.Context(), req.TerminalID, punches)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownTerminal) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("Push ingestion failed",
			zap.String("terminal_id", req.TerminalID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// RecordResponse is the JSON shape of one attendance record
type RecordResponse struct {
	EmployeeID     string     `json:"employee_id"`
	Date           string     `json:"date"`
	CheckIn        *time.Time `json:"check_in,omitempty"`
	CheckOut       *time.Time `json:"check_out,omitempty"`
	TotalHours     string     `json:"total_hours"`
	Status         string     `json:"status"`
	DayStatus      string     `json:"day_status"`
	IsLate         bool       `json:"is_late"`
	LateMinutes    int        `json:"late_minutes"`
	Heuristic      bool       `json:"heuristic"`
	SourceTerminal string     `json:"source_terminal"`
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	employeeID := r.URL.Query().Get("employee_id")
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be in YYYY-MM-DD format")
			return
		}
	}

	records, err := s.records.ListRecords(r.Context(), employeeID, date, 500)
	if err != nil {
		s.logger.Error("Failed to list attendance records", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	out := make([]RecordResponse, 0, len(records))
	for _, record := range records {
		out = append(out, RecordResponse{
			EmployeeID:     record.EmployeeID,
			Date:           record.Date,
			CheckIn:        record.CheckIn,
			CheckOut:       record.CheckOut,
			TotalHours:     record.TotalHours.String(),
			Status:         string(record.Status),
			DayStatus:      string(record.DayStatus),
			IsLate:         record.IsLate,
			LateMinutes:    record.LateMinutes,
			Heuristic:      record.Heuristic,
			SourceTerminal: record.SourceTerminal,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statuses())
}

// TerminalUser is one entry from a device's local enrollment table
type TerminalUser struct {
	LocalUserID string `json:"local_user_id"`
	Name        string `json:"name,omitempty"`
}

func (s *Server) handleTerminalUsers(w http.ResponseWriter, r *http.Request) {
	terminalID := chi.URLParam(r, "id")
	cfg, ok := s.engine.Terminal(terminalID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown terminal")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Polling.ConnectTimeout+s.cfg.Polling.FetchTimeout)
	defer cancel()

	session, err := s.dialer.Dial(ctx, fmt.Sprintf("%s:%d", cfg.Address, cfg.Port))
	if err != nil {
		writeError(w, http.StatusBadGateway, "terminal unreachable")
		return
	}
	defer session.Close()

	users, err := session.ListUsers(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read enrollment table")
		return
	}

	names := make(map[string]string, len(users))
	out := make([]TerminalUser, 0, len(users))
	for _, u := range users {
		names[u.LocalUserID] = u.Name
		out = append(out, TerminalUser{LocalUserID: u.LocalUserID, Name: u.Name})
	}
	// Fresh names feed future auto-provisioning
	s.mapper.PrimeNames(terminalID, names)

	writeJSON(w, http.StatusOK, out)
}

// HeldResponse reports how many punches sit in the held queue per reason
type HeldResponse struct {
	Unmapped  int `json:"unmapped"`
	ClockSkew int `json:"clock_skew"`
}

func (s *Server) handleHeld(w http.ResponseWriter, r *http.Request) {
	unmapped, err := s.held.CountHeld(r.Context(), engine.HeldUnmapped)
	if err != nil {
		s.logger.Error("Failed to count held punches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count held punches")
		return
	}
	skewed, err := s.held.CountHeld(r.Context(), engine.HeldClockSkew)
	if err != nil {
		s.logger.Error("Failed to count held punches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count held punches")
		return
	}
	writeJSON(w, http.StatusOK, HeldResponse{Unmapped: unmapped, ClockSkew: skewed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
