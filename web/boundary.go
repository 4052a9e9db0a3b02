package web

import (
	"net/http"
	"strconv"
	"strings"

	"snm/adinventory/employees"
)

func (s *Server) handleDHCPServers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dhcp.Topology())
}

func (s *Server) handleDHCPSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ServiceTag string   `json:"service_tag"`
		Ships      []string `json:"ships"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	body.ServiceTag = strings.TrimSpace(body.ServiceTag)
	if body.ServiceTag == "" {
		respondError(w, http.StatusBadRequest, "service_tag is required")
		return
	}

	results := s.dhcp.Search(r.Context(), body.ServiceTag, body.Ships)
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := employees.Filter{
		Unit:              q.Get("unidade"),
		Search:            q.Get("search"),
		Limit:             limit,
		IncludeTerminated: q.Get("include_demitidos") == "1",
	}

	list, err := s.employees.List(r.Context(), filter)
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"funcionarios": list,
		"count":        len(list),
	})
}

func (s *Server) handleLinkUser(w http.ResponseWriter, r *http.Request) {
	var req employees.LinkRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.linker.Link(r.Context(), req)
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
}

func (s *Server) handleUnlinkUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ComputerName string `json:"computer_name"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.linker.Unlink(r.Context(), body.ComputerName)
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
}
