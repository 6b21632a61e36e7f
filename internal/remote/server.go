package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"scenariodb/internal/scenario"
)

// BuildFunc builds the database described by s and returns its name together
// with the build checksum it was built for.
type BuildFunc func(ctx context.Context, s scenario.Settings) (name, buildChecksum string, err error)

// Server answers build requests from remote callers by running the normal
// build pipeline with the caller's settings.
type Server struct {
	local  scenario.Settings
	build  BuildFunc
	logger scenario.Logger
}

// NewServer creates a handler that overlays each payload on local before building.
func NewServer(local scenario.Settings, build BuildFunc, logger scenario.Logger) *Server {
	if logger == nil {
		logger = scenario.NewNopLogger()
	}
	return &Server{local: local, build: build, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := Decode(r.Body)
	if err != nil {
		var mismatch *VersionMismatchError
		if errors.As(err, &mismatch) {
			s.logger.Warn("rejected remote build", "reason", "version mismatch", "got", mismatch.Got, "want", mismatch.Want)
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings := payload.Settings(s.local)
	if settings.RemoteCallerSessionDriver != "" && settings.RemoteCallerSessionDriver != s.local.SessionDriver {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"session driver %q does not match the remote session driver %q", settings.RemoteCallerSessionDriver, s.local.SessionDriver))
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("building database for remote caller", "project", settings.ProjectName, "database", settings.Database, "test", settings.TestName)
	name, checksum, err := s.build(r.Context(), settings)
	if err != nil {
		s.logger.Error("remote build failed", "database", settings.Database, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if checksum != "" {
		w.Header().Set(ChecksumHeader, checksum)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(name))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
