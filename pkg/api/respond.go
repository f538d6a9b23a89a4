package api

import (
	"encoding/json"
	"net/http"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
)

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(rw).Encode(v)
}

// errorBody is the stable shape every failed call returns: the error
// kind as spec.md §7 names it, plus a free-text detail. Internal
// causes are never included.
type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func statusForKind(kind ctlerr.Kind) int {
	switch kind {
	case ctlerr.AuthFailed:
		return http.StatusUnauthorized
	case ctlerr.NotFound:
		return http.StatusNotFound
	case ctlerr.AlreadyExists, ctlerr.VersionConflict, ctlerr.HostKeyChanged, ctlerr.Orphaned:
		return http.StatusConflict
	case ctlerr.ConfigInvalid:
		return http.StatusBadRequest
	case ctlerr.VerifyFailed:
		return http.StatusUnprocessableEntity
	case ctlerr.DependencyMissing:
		return http.StatusFailedDependency
	case ctlerr.CapacityExceeded:
		return http.StatusConflict
	case ctlerr.Unreachable, ctlerr.CommandFailed:
		return http.StatusBadGateway
	case ctlerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(rw http.ResponseWriter, err error) int {
	kind := ctlerr.KindOf(err)
	status := statusForKind(kind)
	detail := err.Error()
	if kind == "" {
		// Not one of our taxonomy's kinds: don't leak internals to the
		// operator, but still surface something actionable.
		detail = "internal error"
	}
	writeJSON(rw, status, errorBody{Kind: string(kind), Detail: detail})
	return status
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ctlerr.Wrap(ctlerr.ConfigInvalid, "decode request body", err)
	}
	return nil
}
