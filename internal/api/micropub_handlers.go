package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/metrics"
	"github.com/JakeFAU/indieweb-endpoint/internal/micropub"
)

type micropubCreated struct {
	URL string `json:"url"`
}

// micropubQuery answers capability and source queries. q=config and
// q=syndicate-to are public and never reach the post store.
func (s *Server) micropubQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := query.Get("q")
	switch q {
	case "config":
		metrics.ObserveMicropub("config", http.StatusOK)
		s.writeJSON(w, http.StatusOK, s.posts.Config())
	case "syndicate-to":
		metrics.ObserveMicropub("syndicate-to", http.StatusOK)
		s.writeJSON(w, http.StatusOK, s.posts.SyndicateTo())
	case "source":
		authorization := r.Header.Get("Authorization")
		if strings.TrimSpace(authorization) == "" && query.Get("access_token") != "" {
			authorization = "Bearer " + query.Get("access_token")
		}
		properties := query["properties[]"]
		if len(properties) == 0 {
			properties = query["properties"]
		}
		source, err := s.posts.Source(r.Context(), authorization, query.Get("url"), properties)
		if err != nil {
			metrics.ObserveMicropub("source", s.fail(w, r, err))
			return
		}
		metrics.ObserveMicropub("source", http.StatusOK)
		s.writeJSON(w, http.StatusOK, source)
	default:
		metrics.ObserveMicropub("query", http.StatusBadRequest)
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unsupported query %q", q))
	}
}

func (s *Server) micropubPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.ObserveMicropub("parse", http.StatusRequestEntityTooLarge)
			s.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		metrics.ObserveMicropub("parse", s.fail(w, r, fmt.Errorf("%w: %v", indieweb.ErrParse, err)))
		return
	}

	req, err := micropub.Parse(r.Header.Get("Content-Type"), body)
	if err != nil {
		// Authentication is reported before payload problems.
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			metrics.ObserveMicropub("parse", s.fail(w, r, indieweb.ErrMissingToken))
			return
		}
		metrics.ObserveMicropub("parse", s.fail(w, r, err))
		return
	}

	res, err := s.posts.Handle(r.Context(), r.Header.Get("Authorization"), req)
	if err != nil {
		metrics.ObserveMicropub(string(req.Action), s.fail(w, r, err))
		return
	}

	switch res.Action {
	case micropub.ActionCreate:
		metrics.ObserveMicropub(string(res.Action), http.StatusCreated)
		w.Header().Set("Location", res.Post.Permalink)
		s.writeJSON(w, http.StatusCreated, micropubCreated{URL: res.Post.Permalink})
	case micropub.ActionUpdate:
		metrics.ObserveMicropub(string(res.Action), http.StatusOK)
		s.writeJSON(w, http.StatusOK, micropubCreated{URL: res.Post.Permalink})
	default:
		metrics.ObserveMicropub(string(res.Action), http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
	}
}
