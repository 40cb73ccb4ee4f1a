package foreign

import (
	"fmt"
	"strings"
)

// Sandbox is the capability set a frame grants to its window.
type Sandbox struct {
	AllowScripts    bool
	AllowSameOrigin bool
	AllowDownloads  bool
}

// DefaultSandbox is what automation frames use.
var DefaultSandbox = Sandbox{AllowScripts: true, AllowSameOrigin: true, AllowDownloads: true}

const (
	tokenScripts    = "allow-scripts"
	tokenSameOrigin = "allow-same-origin"
	tokenDownloads  = "allow-downloads"
)

// String renders the sandbox in iframe attribute form.
func (s Sandbox) String() string {
	var tokens []string
	if s.AllowScripts {
		tokens = append(tokens, tokenScripts)
	}
	if s.AllowSameOrigin {
		tokens = append(tokens, tokenSameOrigin)
	}
	if s.AllowDownloads {
		tokens = append(tokens, tokenDownloads)
	}
	return strings.Join(tokens, " ")
}

// ParseSandbox reads a space-separated token list such as
// "allow-scripts allow-same-origin".
func ParseSandbox(s string) (Sandbox, error) {
	var sb Sandbox
	for _, tok := range strings.Fields(s) {
		switch strings.ToLower(tok) {
		case tokenScripts:
			sb.AllowScripts = true
		case tokenSameOrigin:
			sb.AllowSameOrigin = true
		case tokenDownloads:
			sb.AllowDownloads = true
		default:
			return Sandbox{}, fmt.Errorf("foreign: unknown sandbox token %q", tok)
		}
	}
	return sb, nil
}
