// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Client-provided ids end up in logs and error bodies
var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,128}$`)

// RequestID tags every request with an id, echoed in the X-Request-ID header and
// in error bodies, and attaches a logger carrying it to the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		l := getLog().With().Str("request_id", id).Logger()
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(l.WithContext(ctx)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestLog returns the request's logger, or the package logger outside a request
func requestLog(ctx context.Context) *zerolog.Logger {
	if requestID(ctx) == "" {
		return getLog()
	}
	return zerolog.Ctx(ctx)
}

// Recovery turns a handler panic into a 500 error body
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestLog(r.Context()).Error().
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from handler panic")
				writeError(w, r, "Internal server error", errors.New("unexpected server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs each request with its route pattern and, for workflow routes,
// the workflow id
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := requestLog(r.Context()).Info()
		if ww.Status() >= http.StatusInternalServerError {
			ev = requestLog(r.Context()).Error()
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if id := chi.URLParam(r, "id"); id != "" {
			ev = ev.Str("workflow_id", id)
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// CORS reflects allowed origins. An empty list allows every origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
