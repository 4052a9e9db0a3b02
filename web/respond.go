package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"snm/adinventory/activedirectory"
	"snm/adinventory/database"
	"snm/adinventory/dell"
	"snm/adinventory/employees"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFor maps a domain error to the status taxonomy: validation to
// 400, missing rows and unknown tags to 404, rejected credentials to
// 401, vendor and transport failures to 502.
func respondFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, employees.ErrInvalid), errors.Is(err, employees.ErrNoLinkedUser):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound), errors.Is(err, activedirectory.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		var lookup *dell.LookupError
		if errors.As(err, &lookup) {
			respondError(w, vendorStatus(lookup.Code), err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func vendorStatus(code string) int {
	switch code {
	case dell.CodeInvalidServiceTag, dell.CodeNotDellMachine:
		return http.StatusBadRequest
	case dell.CodeServiceTagNotFound:
		return http.StatusNotFound
	case dell.CodeAuthError:
		return http.StatusUnauthorized
	case dell.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
