package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/risefleet/botd/internal/idgen"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
)

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		profiles, err := s.Store.ListProfiles(r.Context(), activeOnly)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if profiles == nil {
			profiles = []store.Profile{}
		}
		writeJSON(w, http.StatusOK, profiles)
	case http.MethodPost:
		s.handleProfileCreate(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleProfileCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name           string   `json:"name"`
		Handle         string   `json:"handle"`
		Bio            string   `json:"bio"`
		TradingStyle   string   `json:"trading_style"`
		RiskTolerance  float64  `json:"risk_tolerance"`
		FavoriteAssets []string `json:"favorite_assets"`
		Traits         []string `json:"traits"`
		Address        string   `json:"address"`
		IsActive       *bool    `json:"is_active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if err := idgen.ValidateHandle(payload.Handle); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	active := true
	if payload.IsActive != nil {
		active = *payload.IsActive
	}
	profile, err := s.Store.CreateProfile(r.Context(), store.Profile{
		Name:           payload.Name,
		Handle:         payload.Handle,
		Bio:            payload.Bio,
		TradingStyle:   payload.TradingStyle,
		RiskTolerance:  payload.RiskTolerance,
		FavoriteAssets: payload.FavoriteAssets,
		Traits:         payload.Traits,
		Address:        payload.Address,
		IsActive:       active,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Bus.Publish(realtime.New(realtime.KindProfileCreated, profile.ID, map[string]any{
		"profile_id": profile.ID,
		"name":       profile.Name,
		"handle":     profile.Handle,
		"is_active":  profile.IsActive,
	}))
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleProfileItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/profiles/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("profile"))
		return
	}
	profileID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			profile, err := s.Store.GetProfile(r.Context(), profileID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, profile)
		case http.MethodPut:
			s.handleProfileUpdate(w, r, profileID)
		case http.MethodDelete:
			s.handleProfileDeactivate(w, r, profileID)
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	action := segments[1]
	switch action {
	case "trades":
		s.handleProfileTrades(w, r, profileID)
	case "chat":
		s.handleProfileChat(w, r, profileID)
	case "equity":
		s.handleProfileEquity(w, r, profileID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("profile action"))
	}
}

// handleProfileUpdate applies the fields present in the request body and
// reports which ones changed. The handle is immutable once created.
func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request, profileID string) {
	var payload struct {
		Name           *string   `json:"name"`
		Bio            *string   `json:"bio"`
		TradingStyle   *string   `json:"trading_style"`
		RiskTolerance  *float64  `json:"risk_tolerance"`
		FavoriteAssets *[]string `json:"favorite_assets"`
		Traits         *[]string `json:"traits"`
		Address        *string   `json:"address"`
		IsActive       *bool     `json:"is_active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	profile, err := s.Store.GetProfile(r.Context(), profileID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var updated []string
	if payload.Name != nil {
		profile.Name = *payload.Name
		updated = append(updated, "name")
	}
	if payload.Bio != nil {
		profile.Bio = *payload.Bio
		updated = append(updated, "bio")
	}
	if payload.TradingStyle != nil {
		profile.TradingStyle = *payload.TradingStyle
		updated = append(updated, "trading_style")
	}
	if payload.RiskTolerance != nil {
		profile.RiskTolerance = *payload.RiskTolerance
		updated = append(updated, "risk_tolerance")
	}
	if payload.FavoriteAssets != nil {
		profile.FavoriteAssets = *payload.FavoriteAssets
		updated = append(updated, "favorite_assets")
	}
	if payload.Traits != nil {
		profile.Traits = *payload.Traits
		updated = append(updated, "traits")
	}
	if payload.Address != nil {
		profile.Address = *payload.Address
		updated = append(updated, "address")
	}
	if payload.IsActive != nil {
		profile.IsActive = *payload.IsActive
		updated = append(updated, "is_active")
	}
	if len(updated) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no updatable fields in request"))
		return
	}
	profile, err = s.Store.UpdateProfile(r.Context(), profile)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.Bus.Publish(realtime.New(realtime.KindProfileUpdated, profile.ID, map[string]any{
		"profile_id":     profile.ID,
		"updated_fields": updated,
		"is_active":      profile.IsActive,
	}))
	writeJSON(w, http.StatusOK, profile)
}

// handleProfileDeactivate soft-deletes: the profile stays in the store with
// its history but drops out of trading and active listings.
func (s *Server) handleProfileDeactivate(w http.ResponseWriter, r *http.Request, profileID string) {
	if err := s.Store.SetProfileActive(r.Context(), profileID, false); err != nil {
		writeStoreError(w, err)
		return
	}
	s.Bus.Publish(realtime.New(realtime.KindProfileUpdated, profileID, map[string]any{
		"profile_id": profileID,
		"is_active":  false,
		"action":     "deactivated",
	}))
	writeJSON(w, http.StatusOK, map[string]any{
		"profile_id": profileID,
		"status":     "deactivated",
	})
}

func (s *Server) handleProfileTrades(w http.ResponseWriter, r *http.Request, profileID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	trades, err := s.Store.ListTrades(r.Context(), profileID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if trades == nil {
		trades = []store.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleProfileChat(w http.ResponseWriter, r *http.Request, profileID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	messages, err := s.Store.ListChatMessages(r.Context(), profileID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleProfileEquity(w http.ResponseWriter, r *http.Request, profileID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	points, err := s.Store.EquityHistory(r.Context(), profileID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if points == nil {
		points = []store.EquityPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
