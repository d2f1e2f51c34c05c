package webhooks

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/server/auth"
	"github.com/dmitrijs2005/busybridge/internal/server/sync"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// handleNotification turns a provider push into a sync request. The body
// carries nothing; the headers identify the channel and the presented token
// proves the notification belongs to the calendar we registered it for.
// Semantically ignored notifications are still acked with 200: an error
// status would only make the provider retry them forever.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channelID := r.Header.Get("X-Goog-Channel-ID")
	if channelID == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}
	state := r.Header.Get("X-Goog-Resource-State")
	resourceID := r.Header.Get("X-Goog-Resource-ID")

	// Registration handshake.
	if state == "sync" {
		s.logger.Debug(ctx, "channel handshake", "channel", channelID)
		w.WriteHeader(http.StatusOK)
		return
	}

	ch, err := s.repos.Channels(s.db).GetByID(ctx, channelID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// A channel we already stopped or replaced.
			s.logger.Debug(ctx, "notification for unknown channel", "channel", channelID)
			w.WriteHeader(http.StatusOK)
			return
		}
		s.logger.Error(ctx, "channel lookup failed", "channel", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	calendarID, err := auth.CalendarIDFromToken(r.Header.Get("X-Goog-Channel-Token"), s.secret)
	if err != nil || calendarID != ch.CalendarID {
		s.logger.Warn(ctx, "notification token rejected", "channel", channelID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if resourceID != "" && ch.ResourceID != "" && resourceID != ch.ResourceID {
		s.logger.Warn(ctx, "notification resource mismatch",
			"channel", channelID, "expected", ch.ResourceID, "got", resourceID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !ch.Expiration.IsZero() && time.Now().After(ch.Expiration) {
		// The renewal job re-registers active calendars; this row is done.
		if err := s.repos.Channels(s.db).Delete(ctx, ch.ID); err != nil {
			s.logger.Warn(ctx, "expired channel delete failed", "channel", channelID, "error", err)
		}
		s.logger.Info(ctx, "dropped expired channel", "channel", channelID, "calendar", ch.CalendarID)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.logger.Debug(ctx, "notification accepted",
		"channel", channelID, "calendar", ch.CalendarID, "state", state)
	s.syncer.RequestSync(ctx, ch.CalendarID, sync.ReasonWebhook)
	w.WriteHeader(http.StatusOK)
}
