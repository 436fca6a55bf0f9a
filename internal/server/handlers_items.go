package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orbitops/inspectd/internal/store"
)

type itemRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	CheckType   string          `json:"check_type"`
	Config      json.RawMessage `json:"config"`
}

func (req *itemRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", errValidation)
	}
	if req.CheckType == "" {
		return fmt.Errorf("check_type is required: %w", errValidation)
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return fmt.Errorf("config must be a JSON object: %w", errValidation)
	}
	return nil
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	items, err := s.store.ListItems(r.Context(), includeArchived)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, fmt.Errorf("invalid JSON body: %w", errValidation))
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err)
		return
	}
	item, err := s.store.CreateItem(r.Context(), &store.Item{
		Name:        req.Name,
		Description: req.Description,
		CheckType:   req.CheckType,
		Config:      req.Config,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	s.audit(r, "item_created", fmt.Sprintf("item:%d", item.ID), item.Name)
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, fmt.Errorf("invalid JSON body: %w", errValidation))
		return
	}
	if req.Name != "" {
		item.Name = req.Name
	}
	item.Description = req.Description
	if req.CheckType != "" {
		item.CheckType = req.CheckType
	}
	if len(req.Config) > 0 {
		if !json.Valid(req.Config) {
			respondError(w, fmt.Errorf("config must be a JSON object: %w", errValidation))
			return
		}
		item.Config = req.Config
	}
	if err := s.store.UpdateItem(r.Context(), item); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r, "item_updated", fmt.Sprintf("item:%d", id), item.Name)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	archived, err := s.store.DeleteItem(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	action := "item_deleted"
	if archived {
		action = "item_archived"
	}
	s.audit(r, action, fmt.Sprintf("item:%d", id), "")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id, "archived": archived})
}

// itemsDocument is the export/import wire shape.
type itemsDocument struct {
	ExportedAt time.Time     `json:"exported_at"`
	Items      []*store.Item `json:"items"`
}

func (s *Server) handleExportItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context(), false)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="inspection-items.json"`)
	writeJSON(w, http.StatusOK, itemsDocument{ExportedAt: time.Now().UTC(), Items: items})
}

// handleImportItems upserts items by name from an exported document. Accepts
// either a multipart upload (field "file") or a raw JSON body.
func (s *Server) handleImportItems(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if err := r.ParseMultipartForm(4 << 20); err == nil {
		file, _, ferr := r.FormFile("file")
		if ferr != nil {
			respondError(w, fmt.Errorf("import file is required: %w", errValidation))
			return
		}
		defer file.Close()
		body = file
	}

	var doc itemsDocument
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		respondError(w, fmt.Errorf("invalid import document: %w", errValidation))
		return
	}

	created, updated := 0, 0
	for _, incoming := range doc.Items {
		if incoming.Name == "" || incoming.CheckType == "" {
			continue
		}
		existing, err := s.store.GetItemByName(r.Context(), incoming.Name)
		switch {
		case err == nil:
			existing.Description = incoming.Description
			existing.CheckType = incoming.CheckType
			existing.Config = incoming.Config
			if err := s.store.UpdateItem(r.Context(), existing); err != nil {
				respondError(w, err)
				return
			}
			updated++
		case store.IsNotFound(err):
			if _, err := s.store.CreateItem(r.Context(), &store.Item{
				Name:        incoming.Name,
				Description: incoming.Description,
				CheckType:   incoming.CheckType,
				Config:      incoming.Config,
			}); err != nil {
				respondError(w, err)
				return
			}
			created++
		default:
			respondError(w, err)
			return
		}
	}
	s.audit(r, "items_imported", "", fmt.Sprintf("%d created, %d updated", created, updated))
	writeJSON(w, http.StatusOK, map[string]int{
		"created": created,
		"updated": updated,
		"total":   created + updated,
	})
}
