package api

import (
	"net/http"
	"time"

	"github.com/redphone/redphoned/internal/presence"
)

// phoneView is the API representation of one peer phone.
type phoneView struct {
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	Extension int    `json:"extension"`
	Addr      string `json:"addr,omitempty"`
	Tier      string `json:"tier"`
	Status    string `json:"status"`
	LastSeen  string `json:"last_seen"`
}

func toPhoneView(rec presence.Record) phoneView {
	return phoneView{
		Identity:  string(rec.Identity),
		Name:      rec.DisplayName,
		Extension: rec.Extension,
		Addr:      rec.Addr,
		Tier:      string(rec.Tier),
		Status:    string(rec.Status),
		LastSeen:  rec.LastSeen.UTC().Format(time.RFC3339),
	}
}

// handlePhones lists all known peers, online first by registry ordering.
func (s *Server) handlePhones(w http.ResponseWriter, r *http.Request) {
	records := s.peers.List()
	phones := make([]phoneView, 0, len(records))
	for _, rec := range records {
		phones = append(phones, toPhoneView(rec))
	}
	writeJSON(w, http.StatusOK, phones)
}

// handleInfo reports this phone's identity. Peers call this during VPN
// directory discovery to learn who answers at this address.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	settings := s.settings.Settings()
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":  string(settings.Identity()),
		"name":      settings.PhoneName,
		"extension": settings.Extension,
	})
}
