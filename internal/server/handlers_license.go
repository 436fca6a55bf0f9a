package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxLicenseSize = 64 << 10

func (s *Server) handleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Status())
}

// handleLicenseUpload accepts the license blob as JSON {"license": "..."},
// a multipart upload (field "file"), or a raw text body.
func (s *Server) handleLicenseUpload(w http.ResponseWriter, r *http.Request) {
	blob, err := licenseBlob(r)
	if err != nil {
		respondError(w, err)
		return
	}
	status, err := s.guard.Install(blob)
	if err != nil {
		respondError(w, fmt.Errorf("license rejected: %v: %w", err, errValidation))
		return
	}
	s.audit(r, "license_installed", "", status.Licensee)
	writeJSON(w, http.StatusOK, status)
}

func licenseBlob(r *http.Request) (string, error) {
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var req struct {
			License string `json:"license"`
		}
		if err := decodeJSON(r, &req); err != nil {
			return "", err
		}
		if req.License == "" {
			return "", fmt.Errorf("license field is required: %w", errValidation)
		}
		return req.License, nil
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxLicenseSize); err != nil {
			return "", fmt.Errorf("multipart form unreadable: %w", errValidation)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return "", fmt.Errorf("license file is required: %w", errValidation)
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxLicenseSize))
		if err != nil {
			return "", fmt.Errorf("read license: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxLicenseSize))
		if err != nil {
			return "", fmt.Errorf("read license: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return "", fmt.Errorf("license body is empty: %w", errValidation)
		}
		return string(data), nil
	}
}
