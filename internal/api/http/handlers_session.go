package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

type createDiscordSessionRequest struct {
	Title           string                `json:"title"`
	MovieName       string                `json:"movieName"`
	MovieInfo       string                `json:"movieInfo"`
	SelectedEpisode string                `json:"selectedEpisode"`
	DiscordSession  domain.DiscordSession `json:"discordSession"`
}

func (s *Server) handleCreateDiscordSession(w http.ResponseWriter, r *http.Request) {
	var req createDiscordSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.MovieName) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "movieName is required")
		return
	}
	if strings.TrimSpace(req.DiscordSession.HostDiscordID) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "discordSession.hostDiscordId is required")
		return
	}

	rm, hostToken, err := s.registry.CreateDiscord(room.Meta{
		Title:           req.Title,
		MovieName:       req.MovieName,
		MovieInfo:       req.MovieInfo,
		SelectedEpisode: req.SelectedEpisode,
	}, req.DiscordSession)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    rm.ID,
		"hostToken": hostToken,
		"url":       s.roomURL(rm.ID, hostToken),
	})
}

func (s *Server) roomURL(roomID, token string) string {
	return fmt.Sprintf("%s/?room=%s&token=%s", s.baseURL, roomID, token)
}

type sessionTokenRequest struct {
	DiscordID string `json:"discordId"`
	Username  string `json:"username"`
}

func (s *Server) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if rm.Ended() {
		writeError(w, http.StatusNotFound, "not_found", "session has ended")
		return
	}

	var req sessionTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.DiscordID) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "discordId is required")
		return
	}

	token, err := rm.GenerateUserToken(req.DiscordID, req.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"url":   s.roomURL(rm.ID, token),
	})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "token query parameter is required")
		return
	}
	member, valid := rm.ValidateToken(token)
	if !valid {
		writeError(w, http.StatusForbidden, "forbidden", "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"discordId": member.ExternalID,
		"username":  member.DisplayName,
		"isHost":    member.IsHost,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rm.Projection())
}

type sessionRatingRequest struct {
	Token  string `json:"token"`
	Rating int    `json:"rating"`
}

func (s *Server) handleSessionRating(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if rm.Discord == nil {
		writeError(w, http.StatusNotFound, "not_found", "room has no bot session")
		return
	}

	var req sessionRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	member, valid := rm.ValidateToken(req.Token)
	if !valid {
		writeError(w, http.StatusForbidden, "forbidden", "invalid token")
		return
	}
	if err := rm.AddRating(member.ExternalID, member.DisplayName, req.Rating); err != nil {
		writeDomainError(w, err)
		return
	}

	ratings := rm.Ratings()
	average := rm.AverageRating()
	allRated := rm.AllConnectedRated()

	s.hub.Broadcast(rm.ID, "rating-received", map[string]any{"ratings": ratings})
	if allRated {
		s.hub.Broadcast(rm.ID, "all-ratings-received", map[string]any{
			"ratings": ratings,
			"average": average,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"allRated": allRated,
		"ratings":  ratings,
		"average":  average,
	})
}

type hostActionRequest struct {
	Token string `json:"token"`
}

func (s *Server) requireHostToken(w http.ResponseWriter, r *http.Request, rm *room.Room) bool {
	var req hostActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return false
	}
	if !rm.IsHostToken(req.Token) {
		writeError(w, http.StatusForbidden, "forbidden", "host token required")
		return false
	}
	return true
}

// handleEndSession moves the room into the terminal state and tells clients
// to switch to rating collection. The room itself survives until finalize so
// ratings can still arrive.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if rm.Discord == nil {
		writeError(w, http.StatusNotFound, "not_found", "room has no bot session")
		return
	}
	if !s.requireHostToken(w, r, rm) {
		return
	}

	rm.End()
	s.hub.Broadcast(rm.ID, "session-ending", map[string]any{"status": "ending"})
	s.logger.Info("session ending", slog.String("roomId", rm.ID))

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "ending",
	})
}

// handleFinalizeSession archives the finished session, notifies clients and
// tears the room down.
func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if rm.Discord == nil {
		writeError(w, http.StatusNotFound, "not_found", "room has no bot session")
		return
	}
	if !s.requireHostToken(w, r, rm) {
		return
	}

	rm.End()
	ratings := rm.Ratings()
	average := rm.AverageRating()
	discord := rm.Discord

	s.archiveSession(r.Context(), rm, ratings, average)
	s.hub.Broadcast(rm.ID, "session-ended", map[string]any{
		"ratings": ratings,
		"average": average,
	})
	s.registry.Delete(rm.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"ratings":        ratings,
		"average":        average,
		"discordSession": discord,
	})
}

func (s *Server) archiveSession(ctx context.Context, rm *room.Room, ratings []domain.Rating, average float64) {
	if s.archive == nil {
		return
	}
	members := rm.Members()
	viewers := make([]string, 0, len(members))
	for _, m := range members {
		viewers = append(viewers, m.DisplayName)
	}
	rec := domain.SessionRecord{
		RoomID:    rm.ID,
		MovieName: rm.MovieName,
		StartedAt: rm.CreatedAt,
		EndedAt:   time.Now().UnixMilli(),
		Ratings:   ratings,
		Average:   average,
		Viewers:   viewers,
	}
	if err := s.archive.Insert(ctx, rec); err != nil {
		s.logger.Error("session archive insert failed",
			slog.String("roomId", rm.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		if parsed > 100 {
			parsed = 100
		}
		limit = parsed
	}

	if s.archive == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []domain.SessionRecord{}})
		return
	}
	records, err := s.archive.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("session history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "session history unavailable")
		return
	}
	if records == nil {
		records = []domain.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}
