package installer

import (
	"context"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// ReverseProxyInstaller installs the nginx reverse proxy the Reverse-Proxy
// Config Manager (pkg/proxy) later pushes generated configuration to and
// reloads. Environment classification doesn't change its strategy — nginx
// always runs as a container, independent of the host's own
// container-engine placement.
type ReverseProxyInstaller struct{}

func NewReverseProxyInstaller() *ReverseProxyInstaller { return &ReverseProxyInstaller{} }

func (i *ReverseProxyInstaller) Kind() types.ServiceKind { return types.ServiceReverseProxy }

func (i *ReverseProxyInstaller) Applicable(facts types.HostFacts) bool {
	return facts.MemoryGB >= 0.5
}

func (i *ReverseProxyInstaller) Detect(ctx context.Context, sess *sshconn.Session) (DetectStatus, string, error) {
	res, err := sess.Execute(ctx, []string{"docker", "inspect", "ctlplane-proxy", "--format", "{{.State.Status}}"}, defaultDetectTimeout)
	if err != nil {
		return "", "", err
	}
	switch {
	case res.ExitCode != 0:
		return Absent, "", nil
	case res.Stdout == "running\n" || res.Stdout == "running":
		return PresentActive, res.Stdout, nil
	default:
		return PresentInactive, res.Stdout, nil
	}
}

// Plan expects cfg["http_port"] and cfg["https_port"]; both default to
// "80"/"443" if absent.
func (i *ReverseProxyInstaller) Plan(env types.EnvironmentKind, cfg Config) (InstallPlan, error) {
	httpPort := cfg["http_port"]
	if httpPort == "" {
		httpPort = "80"
	}
	httpsPort := cfg["https_port"]
	if httpsPort == "" {
		httpsPort = "443"
	}

	return InstallPlan{
		{Name: "create-dirs", Tags: []StepTag{Idempotent}, Argv: []string{"mkdir", "-p",
			"/opt/ctlplane/proxy/conf.d", "/opt/ctlplane/proxy/certs", "/opt/ctlplane/proxy/acme-challenge"}},
		{Name: "stage-base-config", Tags: []StepTag{Idempotent}, UploadPath: "/opt/ctlplane/proxy/nginx.conf", UploadContent: []byte(baseNginxConf), UploadMode: 0644},
		{Name: "run-proxy-container", Tags: []StepTag{Idempotent, Retryable}, Argv: []string{
			"docker", "run", "-d", "--name", "ctlplane-proxy", "--restart", "unless-stopped",
			"-p", httpPort + ":80", "-p", httpsPort + ":443",
			"-v", "/opt/ctlplane/proxy/nginx.conf:/etc/nginx/nginx.conf:ro",
			"-v", "/opt/ctlplane/proxy/conf.d:/etc/nginx/conf.d:ro",
			"-v", "/opt/ctlplane/proxy/certs:/etc/nginx/certs:ro",
			"-v", "/opt/ctlplane/proxy/acme-challenge:/var/www/acme-challenge:ro",
			"nginx:1.25-alpine",
		}},
	}, nil
}

const baseNginxConf = `events {}
http {
    include /etc/nginx/conf.d/*.conf;
}
`

func (i *ReverseProxyInstaller) Verify(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "exec", "ctlplane-proxy", "nginx", "-t"}, defaultDetectTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.VerifyFailed, "nginx -t", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.VerifyFailed, fmt.Sprintf("nginx -t exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (i *ReverseProxyInstaller) Uninstall(ctx context.Context, sess *sshconn.Session) error {
	_, _ = sess.Execute(ctx, []string{"sh", "-c", "docker rm -f ctlplane-proxy 2>/dev/null || true"}, defaultDetectTimeout)
	return nil
}
