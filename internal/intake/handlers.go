package intake

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/billify/internal/notify"
)

type uploadResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, messageResponse{Message: message})
}

// detectContentType prefers the part header and falls back to the extension
func detectContentType(header, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleUploadInvoice accepts a multipart upload with file, name and email fields
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "File is too large. Maximum size is 50MB."
		}
		writeMessage(w, http.StatusBadRequest, message)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeMessage(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeMessage(w, http.StatusInternalServerError, "Error reading file")
		return
	}

	receipt, err := s.service.Submit(r.Context(), Upload{
		Filename:    header.Filename,
		ContentType: detectContentType(header.Header.Get("Content-Type"), header.Filename),
		Data:        data,
	}, r.FormValue("name"), r.FormValue("email"))
	if err != nil {
		if errors.Is(err, ErrInvalidSubmission) {
			slog.Info("Rejected invoice submission", "filename", header.Filename, "error", err)
			writeMessage(w, http.StatusBadRequest, "A file, a name and a valid email are required")
			return
		}
		slog.Error("Error submitting invoice", "filename", header.Filename, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Error occurred while uploading invoice")
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Message: "Invoice uploaded successfully",
		ID:      receipt.JobID,
		Name:    receipt.Name,
		Email:   receipt.Email,
	})
}

// handleVerify confirms an email address from the link in a verification mail
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	token := r.URL.Query().Get("token")
	if email == "" || token == "" {
		writeMessage(w, http.StatusBadRequest, "email and token are required")
		return
	}

	if err := s.identities.Confirm(r.Context(), email, token); err != nil {
		if errors.Is(err, notify.ErrInvalidToken) {
			writeMessage(w, http.StatusBadRequest, "This verification link is invalid or has expired")
			return
		}
		slog.Error("Error confirming email", "email", email, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Error occurred while verifying email")
		return
	}

	writeMessage(w, http.StatusOK, "Email address verified")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
