package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
)

// errorHandler turns a panicking handler into a 500 and closes the
// connection.
func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}

			s.log.Printf("panic: %v (%s %s)", err, r.Method, r.URL.Path)
			w.Header().Set("Connection", "close")
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}

type logWriter struct {
	l *log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Print(string(p))
	return len(p), nil
}

// accessLog writes one combined log format line per request through the app
// logger.
func (s *GoChatApp) accessLog(next http.Handler) http.Handler {
	return handlers.CombinedLoggingHandler(logWriter{l: s.log}, next)
}

// authMiddleware rejects requests without a valid session token and puts the
// caller's user id into the request context.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := tokenFromRequest(r)
		if !ok {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Printf("failed to extract user id from token: %v", err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}
