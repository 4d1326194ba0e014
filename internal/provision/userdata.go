package provision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
)

// Payload parameterizes the first-boot program. Every value is substituted
// shell-quoted so opaque strings (the registration token in particular)
// survive verbatim.
type Payload struct {
	RegistrationToken string
	RepoURL           string
	RunnerName        string
	Labels            []string
	RunnerVersion     string

	// AgentURL is where the node downloads the runner-agent binary.
	AgentURL string

	// ProxyHTTP/ProxyHTTPS/ProxyNoProxy configure network egress before
	// any network-dependent step runs. All optional.
	ProxyHTTP    string
	ProxyHTTPS   string
	ProxyNoProxy string

	// SelfDestructRole is the RAM role bound to the instance, passed
	// through so the node-side teardown knows which identity to fetch
	// credentials for. Optional.
	SelfDestructRole string
}

// userDataTemplate is the fixed first-boot script. It configures proxy
// variables, fetches the runner-agent binary, and hands off to its
// bootstrap command; everything else (package installs, runner download,
// registration, self-destruct arming) happens inside the agent where it
// is testable.
const userDataTemplate = `#!/bin/bash
set -euo pipefail

{{if .ProxyHTTP}}export http_proxy={{q .ProxyHTTP}} HTTP_PROXY={{q .ProxyHTTP}}
{{end}}{{if .ProxyHTTPS}}export https_proxy={{q .ProxyHTTPS}} HTTPS_PROXY={{q .ProxyHTTPS}}
{{end}}{{if .ProxyNoProxy}}export no_proxy={{q .ProxyNoProxy}} NO_PROXY={{q .ProxyNoProxy}}
{{end}}
curl --fail --silent --show-error --location --retry 5 --retry-delay 2 \
  --output /usr/local/bin/runner-agent {{q .AgentURL}}
chmod 0755 /usr/local/bin/runner-agent

exec /usr/local/bin/runner-agent bootstrap \
  --token {{q .RegistrationToken}} \
  --repo-url {{q .RepoURL}} \
  --name {{q .RunnerName}} \
  --labels {{q .LabelList}} \
  --runner-version {{q .RunnerVersion}}{{if .ProxyHTTP}} \
  --proxy-http {{q .ProxyHTTP}}{{end}}{{if .ProxyHTTPS}} \
  --proxy-https {{q .ProxyHTTPS}}{{end}}{{if .ProxyNoProxy}} \
  --proxy-no-proxy {{q .ProxyNoProxy}}{{end}}{{if .SelfDestructRole}} \
  --self-destruct-role {{q .SelfDestructRole}}{{end}}
`

var userData = template.Must(
	template.New("userdata").
		Funcs(template.FuncMap{"q": shellescape.Quote}).
		Parse(userDataTemplate),
)

// templateData widens Payload with the comma-joined label list the
// template substitutes as a single argument.
type templateData struct {
	Payload
	LabelList string
}

// Render produces the user-data script for the payload.
func Render(p Payload) (string, error) {
	var buf bytes.Buffer
	err := userData.Execute(&buf, templateData{
		Payload:   p,
		LabelList: strings.Join(p.Labels, ","),
	})
	if err != nil {
		return "", fmt.Errorf("render user data: %w", err)
	}
	return normalizeNewlines(buf.String()), nil
}

// EncodeUserData renders the payload and base64-encodes it the way the
// instance creation call expects.
func EncodeUserData(p Payload) (string, error) {
	script, err := Render(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(script)), nil
}

// normalizeNewlines strips carriage returns so the script survives
// cloud-init exactly as authored regardless of how the template file was
// checked out.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
