package api

import (
	"encoding/json"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// apiTaskConfig mirrors pkg/deploy's internal taskConfig shape so the API
// layer can build a DeploymentTask.Config payload the built-in handlers
// already know how to decode.
type apiTaskConfig struct {
	Config map[string]string   `json:"config,omitempty"`
	Roles  []types.ServiceKind `json:"roles,omitempty"`
}

func taskConfigJSON(cfg map[string]string, roles []types.ServiceKind) (json.RawMessage, error) {
	raw, err := json.Marshal(apiTaskConfig{Config: cfg, Roles: roles})
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ConfigInvalid, "encode task config", err)
	}
	return raw, nil
}
