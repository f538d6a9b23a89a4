package proxy

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// ReservedHealthPath is the path every placement and every verified
// domain mapping is expected to answer 2xx on, reused unchanged by
// pkg/domain's per-mapping verification per spec.md's "reserved health
// path" invariant.
const ReservedHealthPath = "/_ctlplane/healthz"

// upstreamEntry is one running or draining placement, the unit the
// output schema's upstream block enumerates.
type upstreamEntry struct {
	Name    string
	Address string
	Port    int
	Draining bool
}

// vhostEntry is one verified DomainMapping, resolved against the
// upstream it targets.
type vhostEntry struct {
	Domain       string
	UpstreamName string
	TLS          bool
	CertPath     string
	KeyPath      string
}

// renderData is the template's complete input, already sorted so two
// calls with the same underlying rows render byte-identical output.
type renderData struct {
	Upstreams []upstreamEntry
	VHosts    []vhostEntry
}

// nginxTemplateText follows the base config the reverse-proxy installer
// stages (events {} / http { include conf.d/*.conf }): this file is one
// of those included conf.d fragments, holding every upstream block, one
// server block per verified mapping, and a catch-all default server that
// closes the connection for any other Host header.
const nginxTemplateText = `# managed by infra-controlplane, do not edit by hand
{{- range .Upstreams }}
upstream {{ .Name | trimSpace }} {
    server {{ .Address }}:{{ .Port }};
}
{{- end }}

{{- range .VHosts }}

server {
    listen 80;
{{- if .TLS }}
    listen 443 ssl;
    ssl_certificate {{ .CertPath }};
    ssl_certificate_key {{ .KeyPath }};
{{- end }}
    server_name {{ .Domain }};

    location {{ "/_ctlplane/healthz" }} {
        proxy_pass http://{{ .UpstreamName }};
    }

    location / {
        proxy_pass http://{{ .UpstreamName }};
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $remote_addr;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
{{- end }}

server {
    listen 80 default_server;
    server_name _;

    location /.well-known/acme-challenge/ {
        root /var/www/acme-challenge;
    }

    location / {
        return 444;
    }
}
`

var nginxTemplate = template.Must(template.New("proxy-conf").Funcs(sprig.TxtFuncMap()).Parse(nginxTemplateText))

// render builds the deterministic conf.d fragment for placements
// (already filtered to running|draining by the caller) and mappings
// (already filtered to verified), resolving each mapping's target name
// against the upstream it names. Mappings whose target has no matching
// upstream are skipped, without an error, rather than emitting a server
// block that proxy_passes nowhere.
func render(placements []*types.ServicePlacement, hosts map[string]*types.Host, mappings []*types.DomainMapping) ([]byte, error) {
	sortedPlacements := append([]*types.ServicePlacement(nil), placements...)
	sort.Slice(sortedPlacements, func(i, j int) bool { return sortedPlacements[i].ID < sortedPlacements[j].ID })

	upstreamsByName := make(map[string]bool, len(sortedPlacements))
	data := renderData{}
	for _, pl := range sortedPlacements {
		host, ok := hosts[pl.HostID]
		if !ok {
			return nil, fmt.Errorf("placement %s: host %s not found", pl.ID, pl.HostID)
		}
		data.Upstreams = append(data.Upstreams, upstreamEntry{
			Name:     pl.Name,
			Address:  host.Address,
			Port:     pl.Port,
			Draining: pl.Status == types.PlacementDraining,
		})
		upstreamsByName[pl.Name] = true
	}

	sortedMappings := append([]*types.DomainMapping(nil), mappings...)
	sort.Slice(sortedMappings, func(i, j int) bool { return sortedMappings[i].ID < sortedMappings[j].ID })

	for _, m := range sortedMappings {
		if !upstreamsByName[m.TargetName] {
			continue
		}
		data.VHosts = append(data.VHosts, vhostEntry{
			Domain:       m.Domain,
			UpstreamName: m.TargetName,
			TLS:          m.TLS,
			CertPath:     m.CertPath,
			KeyPath:      m.KeyPath,
		})
	}

	var buf bytes.Buffer
	if err := nginxTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render proxy config: %w", err)
	}
	return buf.Bytes(), nil
}
