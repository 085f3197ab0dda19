package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
	"github.com/dmitrorezn/bundler-validator/internal/faststore"
	"github.com/dmitrorezn/bundler-validator/internal/receipt"
)

const maxSignRequestSize = 64 << 10

func newRouter(s *Service) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tx/{id}", getTx(s)).Methods(http.MethodGet)
	r.HandleFunc("/sign", sign(s)).Methods(http.MethodPost)
	r.HandleFunc("/bundles", listBundles(s)).Methods(http.MethodGet)
	r.HandleFunc("/reconcile", triggerReconcile(s)).Methods(http.MethodPost)
	r.HandleFunc("/health", health(s)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		log.WithError(err).Debug("Could not write response")
	}
}

func getTx(s *Service) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		id := mux.Vars(request)["id"]
		rec, err := s.Receipt(request.Context(), id)
		if errors.Is(err, domain.ErrTxNotFound) {
			http.Error(writer, err.Error(), http.StatusNotFound)

			return
		}
		if err != nil {
			log.WithError(err).WithField("txID", id).Error("Could not read receipt")
			http.Error(writer, "internal error", http.StatusInternalServerError)

			return
		}

		writeJSON(writer, http.StatusOK, rec)
	}
}

func sign(s *Service) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		var req receipt.Request
		if err := json.NewDecoder(io.LimitReader(request.Body, maxSignRequestSize)).Decode(&req); err != nil {
			http.Error(writer, "malformed request: "+err.Error(), http.StatusBadRequest)

			return
		}
		if req.ID == "" || req.Signature == "" {
			http.Error(writer, "id and signature are required", http.StatusBadRequest)

			return
		}

		sig, err := s.Sign(request.Context(), req)
		switch {
		case err == nil:
			writer.Header().Set("Content-Type", "application/octet-stream")
			writer.WriteHeader(http.StatusOK)
			_, _ = writer.Write(sig)
		case errors.Is(err, receipt.ErrDuplicateReceipt):
			writer.WriteHeader(http.StatusAccepted)
		case errors.Is(err, receipt.ErrStaleOrFutureBlock), errors.Is(err, receipt.ErrInvalidSignature):
			http.Error(writer, err.Error(), http.StatusBadRequest)
		case errors.Is(err, faststore.ErrUnavailable):
			http.Error(writer, err.Error(), http.StatusServiceUnavailable)
		default:
			log.WithError(err).WithField("txID", req.ID).Error("Could not sign receipt")
			http.Error(writer, "internal error", http.StatusInternalServerError)
		}
	}
}

func listBundles(s *Service) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		bundles, err := s.Bundles(request.Context())
		if err != nil {
			log.WithError(err).Error("Could not list bundles")
			http.Error(writer, "internal error", http.StatusInternalServerError)

			return
		}
		if bundles == nil {
			bundles = []*domain.Bundle{}
		}

		writeJSON(writer, http.StatusOK, bundles)
	}
}

func triggerReconcile(s *Service) http.HandlerFunc {
	return func(writer http.ResponseWriter, _ *http.Request) {
		s.TriggerReconcile()
		writer.WriteHeader(http.StatusAccepted)
	}
}

func health(s *Service) http.HandlerFunc {
	return func(writer http.ResponseWriter, _ *http.Request) {
		writeJSON(writer, http.StatusOK, struct {
			Validator domain.Validator `json:"validator"`
			Bundler   domain.Bundler   `json:"bundler"`
		}{s.Validator(), s.Bundler()})
	}
}
