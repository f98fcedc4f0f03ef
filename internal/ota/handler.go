package ota

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
)

// multipartOverhead is allowed on top of the image size for the form
// boundaries and the digest field.
const multipartOverhead = 64 << 10

var formTmpl = template.Must(template.New("update").Parse(`<!DOCTYPE html>
<html>
<head><title>Firmware update</title></head>
<body>
<h1>Firmware update</h1>
{{with .Last}}<p>Last staged: {{.Filename}} ({{.Size}} bytes, sha256 {{.SHA256}}) at {{.StagedAt.Format "2006-01-02 15:04:05Z07:00"}}</p>{{end}}
<form method="POST" action="/update" enctype="multipart/form-data">
<p><input type="file" name="firmware" required></p>
<p><label>SHA-256 (optional) <input type="text" name="sha256" size="64"></label></p>
<p><input type="submit" value="Update"></p>
</form>
</body>
</html>
`))

// Register mounts the update routes on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.Handle("GET /update", s.requireAuth(http.HandlerFunc(s.handleForm)))
	mux.Handle("POST /update", s.requireAuth(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /update/status", s.requireAuth(http.HandlerFunc(s.handleStatus)))
}

func (s *Service) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Authorize(r.BasicAuth()) {
			w.Header().Set("WWW-Authenticate", `Basic realm="climate-node update"`)
			s.errorResponse(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleForm(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := formTmpl.Execute(w, struct{ Last *Record }{s.Last()}); err != nil {
		s.logger.Debug("failed to render update form", "error", err)
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	last := s.Last()
	if last == nil {
		writeJSON(w, map[string]any{"staged": false}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"staged": true, "last": last}, s.logger)
}

// handleUpload reads a multipart form with a "firmware" file part and
// an optional "sha256" field, in either order.
func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.busy.TryLock() {
		s.reject(w, http.StatusConflict, ErrBusy)
		return
	}
	defer s.busy.Unlock()

	if s.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.reject(w, http.StatusBadRequest, fmt.Errorf("expected multipart/form-data: %w", err))
		return
	}

	var (
		up       *upload
		filename string
		wantSHA  string
	)
	defer func() {
		if up != nil && up.tmp != nil {
			// Still pending: the request failed after the image arrived.
			up.discard()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(w, err)
			return
		}

		switch part.FormName() {
		case "firmware":
			if up != nil {
				s.reject(w, http.StatusBadRequest, errors.New("more than one firmware part"))
				return
			}
			filename = part.FileName()
			up, err = s.begin(part)
			if err != nil {
				s.fail(w, err)
				return
			}
		case "sha256":
			wantSHA, err = readField(part, 128)
			if err != nil {
				s.reject(w, http.StatusBadRequest, err)
				return
			}
		default:
			// Unknown fields are drained and ignored.
			_, _ = io.Copy(io.Discard, part)
		}
		part.Close()
	}

	if up == nil {
		s.reject(w, http.StatusBadRequest, errors.New(`missing "firmware" file part`))
		return
	}

	pending := up
	up = nil
	rec, err := s.commit(pending, filename, wantSHA, r.RemoteAddr)
	if err != nil {
		s.fail(w, err)
		return
	}

	if s.OnUpload != nil {
		s.OnUpload("staged")
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "staged", "record": rec}, s.logger)
}

// fail maps an upload error to a status code.
func (s *Service) fail(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, ErrTooLarge), errors.As(err, &maxErr):
		s.reject(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, ErrDigestMismatch):
		s.reject(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrEmpty), errors.Is(err, multipart.ErrMessageTooLarge):
		s.reject(w, http.StatusBadRequest, err)
	default:
		s.logger.Error("firmware upload failed", "error", err)
		if s.OnUpload != nil {
			s.OnUpload("error")
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Service) reject(w http.ResponseWriter, code int, err error) {
	s.logger.Warn("firmware upload rejected", "status", code, "error", err)
	if s.OnUpload != nil {
		s.OnUpload("rejected")
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Service) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func readField(p *multipart.Part, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(p, limit+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p.FormName(), err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("field %s too long", p.FormName())
	}
	return string(data), nil
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
