package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/metrics"
	"github.com/JakeFAU/indieweb-endpoint/internal/webmention"
)

type webmentionRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type webmentionAccepted struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

func (s *Server) receiveWebmention(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	req, err := decodeWebmention(r)
	if err != nil {
		metrics.ObserveReceived("invalid")
		s.fail(w, r, err)
		return
	}
	if err := webmention.Validate(req.Source, req.Target, s.site.BaseURL()); err != nil {
		metrics.ObserveReceived("invalid")
		s.fail(w, r, err)
		return
	}

	m, err := s.mentions.Enqueue(r.Context(), req.Source, req.Target)
	if err != nil {
		metrics.ObserveReceived("error")
		s.fail(w, r, err)
		return
	}
	metrics.ObserveReceived("accepted")
	s.logger.Info("webmention accepted",
		zap.String("mention_id", m.ID),
		zap.String("source", m.Source),
		zap.String("target", m.Target),
	)
	w.Header().Set("Location", "/webmention/"+m.ID)
	s.writeJSON(w, http.StatusAccepted, webmentionAccepted{
		Status:  "accepted",
		Message: "Webmention accepted for processing",
		ID:      m.ID,
	})
}

// decodeWebmention reads source and target from a form or JSON body.
func decodeWebmention(r *http.Request) (webmentionRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req webmentionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return webmentionRequest{}, fmt.Errorf("%w: %v", indieweb.ErrParse, err)
		}
		return req.trimmed(), nil
	}
	if err := r.ParseForm(); err != nil {
		return webmentionRequest{}, fmt.Errorf("%w: %v", indieweb.ErrParse, err)
	}
	req := webmentionRequest{Source: r.PostForm.Get("source"), Target: r.PostForm.Get("target")}
	return req.trimmed(), nil
}

func (w webmentionRequest) trimmed() webmentionRequest {
	return webmentionRequest{Source: strings.TrimSpace(w.Source), Target: strings.TrimSpace(w.Target)}
}

func (s *Server) mentionStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.mentions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}
