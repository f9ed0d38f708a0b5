// Copyright 2024-2026 Aiku AI

package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"maunium.net/go/mautrix/id"
)

// maxTransactionBodySize caps inbound transaction bodies (10 MB).
const maxTransactionBodySize = 10 << 20

type matrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error,omitempty"`
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&matrixError{Code: code, Message: message})
}

func writeEmptyOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

// Handler returns the inbound appservice API. Token verification happens
// here at the boundary; the transport core behind it assumes authenticated
// callers.
func (as *AppService) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(as.verifyHomeserverToken)
		r.Route("/_matrix/app/v1", func(r chi.Router) {
			r.Put("/transactions/{txnID}", as.handleTransaction)
			r.Post("/ping", as.handlePing)
			r.Get("/users/{userID}", as.handleQueryUser)
			r.Get("/rooms/{roomAlias}", as.handleQueryRoomAlias)
			r.Get("/thirdparty/protocol/{protocol}", as.handleNotImplemented)
			r.Get("/thirdparty/location", as.handleNotImplemented)
			r.Get("/thirdparty/location/{protocol}", as.handleNotImplemented)
			r.Get("/thirdparty/user", as.handleNotImplemented)
			r.Get("/thirdparty/user/{protocol}", as.handleNotImplemented)
		})
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unknown endpoint")
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
			writeMatrixError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "Wrong method for endpoint")
		})
	})
	return r
}

// verifyHomeserverToken authenticates the homeserver with the hs_token from
// the registration document.
func (as *AppService) verifyHomeserverToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// Older homeservers send the token as a query parameter.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing homeserver token")
			return
		}
		if token != as.Registration.HSToken {
			writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Incorrect homeserver token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (as *AppService) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")
	if txnID == "" {
		writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "Missing transaction ID")
		return
	}
	var txn Transaction
	r.Body = http.MaxBytesReader(w, r.Body, maxTransactionBodySize)
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "Malformed transaction body")
		return
	}
	txn.ID = txnID
	txn.ReceivedAt = time.Now()

	if _, err := as.Intake(r.Context(), &txn); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The homeserver gave up on this delivery; it will retry and
			// the unfinished transaction was not marked completed.
			writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Transaction intake cancelled")
			return
		}
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Transaction intake failed")
		return
	}
	writeEmptyOK(w)
}

func (as *AppService) handlePing(w http.ResponseWriter, r *http.Request) {
	var ping pingRequest
	_ = json.NewDecoder(r.Body).Decode(&ping)
	as.Log.Debug().Str("txn_id", ping.TransactionID).Msg("Answering homeserver ping")
	writeEmptyOK(w)
}

// pathParam returns the named route parameter with percent-encoding undone.
// Homeservers escape user IDs and aliases in query paths, and chi hands the
// segment over still encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// handleQueryUser answers existence queries for users in owned namespaces,
// provisioning the identity on demand so the homeserver sees it exist.
func (as *AppService) handleQueryUser(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(pathParam(r, "userID"))
	_, err := as.resolver.Resolve(r.Context(), userID)
	switch {
	case err == nil:
		writeEmptyOK(w)
	case errors.Is(err, ErrNotOwned):
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "User is not in any owned namespace")
	default:
		as.Log.Warn().Err(err).Stringer("user_id", userID).Msg("User query provisioning failed")
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Failed to provision user")
	}
}

// handleQueryRoomAlias delegates owned alias queries to the configured
// collaborator, which is expected to create the room before returning.
func (as *AppService) handleQueryRoomAlias(w http.ResponseWriter, r *http.Request) {
	alias := id.RoomAlias(pathParam(r, "roomAlias"))
	if as.matcher.OwnsAlias(alias) == nil || as.aliasQuery == nil {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Room alias not found")
		return
	}
	if err := as.aliasQuery(r.Context(), alias); err != nil {
		as.Log.Warn().Err(err).Stringer("alias", alias).Msg("Room alias query failed")
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Room alias not found")
		return
	}
	writeEmptyOK(w)
}

func (as *AppService) handleNotImplemented(w http.ResponseWriter, _ *http.Request) {
	writeMatrixError(w, http.StatusNotImplemented, "M_UNRECOGNIZED", "Not implemented")
}
