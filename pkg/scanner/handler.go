package scanner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/deploy"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// taskCredentialBundle is the JSON shape one credential bundle decodes
// from inside a network-scan task's Config; Secret travels as a string
// since json.RawMessage carries it from the API request body as-is.
type taskCredentialBundle struct {
	User     string             `json:"user"`
	Port     int                `json:"port,omitempty"`
	AuthKind types.CredentialKind `json:"auth_kind"`
	Secret   string             `json:"secret"`
}

// taskConfig is the Config payload a network-scan DeploymentTask
// decodes into: the CIDR to sweep and the ordered credential bundles to
// try against every reachable address.
type taskConfig struct {
	CIDR        string                  `json:"cidr"`
	Credentials []taskCredentialBundle  `json:"credentials"`
}

func decodeTaskConfig(raw json.RawMessage) (taskConfig, error) {
	var cfg taskConfig
	if len(raw) == 0 {
		return cfg, ctlerr.New(ctlerr.ConfigInvalid, "network-scan task requires a config with cidr and credentials")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, ctlerr.Wrap(ctlerr.ConfigInvalid, "decode network-scan task config", err)
	}
	if cfg.CIDR == "" {
		return cfg, ctlerr.New(ctlerr.ConfigInvalid, "network-scan task config missing cidr")
	}
	if len(cfg.Credentials) == 0 {
		return cfg, ctlerr.New(ctlerr.ConfigInvalid, "network-scan task config requires at least one credential bundle")
	}
	return cfg, nil
}

// resultLine is the per-host JSON line the handler appends to the
// task's log, satisfying spec.md §4.10's requirement that the scanner
// "emits per-host results into the parent DeploymentTask's progress/log"
// — DeploymentTask has no separate structured-results field, so the log
// carries one compact JSON object per line instead of free-form text.
type resultLine struct {
	Address      string                `json:"address"`
	Reachable    bool                  `json:"reachable"`
	Credentialed bool                  `json:"credentialed"`
	Environment  types.EnvironmentKind `json:"environment,omitempty"`
	OSFamily     string                `json:"os_family,omitempty"`
	CPUCores     int                   `json:"cpu_cores,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Handler returns a deploy.Handler that runs the Scanner over a
// network-scan task's configured CIDR, streaming one JSON result line
// per host into the task's log as it's probed.
func (s *Scanner) Handler() deploy.Handler {
	return func(ctx context.Context, task *types.DeploymentTask, sink *deploy.ProgressSink) error {
		cfg, err := decodeTaskConfig(task.Config)
		if err != nil {
			return err
		}

		bundles := make([]CredentialBundle, len(cfg.Credentials))
		for i, b := range cfg.Credentials {
			bundles[i] = CredentialBundle{
				User:     b.User,
				Port:     b.Port,
				AuthKind: b.AuthKind,
				Secret:   []byte(b.Secret),
			}
		}

		sink.SetPhase("sweep")
		sink.AppendLog(fmt.Sprintf("starting sweep of %s with %d credential bundle(s)", cfg.CIDR, len(bundles)))

		var done int
		results, err := s.Sweep(ctx, cfg.CIDR, bundles, func(c Candidate) {
			done++
			line := resultLine{
				Address:      c.Address,
				Reachable:    c.Reachable,
				Credentialed: c.BundleIndex >= 0,
				Environment:  c.Environment,
				OSFamily:     c.Facts.OSFamily,
				CPUCores:     c.Facts.CPUCores,
				Error:        c.Error,
			}
			encoded, marshalErr := json.Marshal(line)
			if marshalErr != nil {
				sink.AppendLog(fmt.Sprintf("scan result marshal error for %s: %v", c.Address, marshalErr))
				return
			}
			sink.AppendLog(string(encoded))
		})
		if err != nil {
			return err
		}

		var credentialed int
		for _, c := range results {
			if c.BundleIndex >= 0 {
				credentialed++
			}
		}
		sink.AppendLog(fmt.Sprintf("sweep complete: %d addresses, %d credentialed", len(results), credentialed))
		sink.SetProgress(100)
		return nil
	}
}
