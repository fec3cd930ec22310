package plugin

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSourceBytes caps stored plugin source.
	MaxSourceBytes = 64 << 10 // 64 KiB

	maxNameLen = 64
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// bannedImports are modules rejected at registration time. This is a
// courtesy check for fast feedback — the sandbox is the actual boundary
// and blocks these again at run time.
var bannedImports = []string{
	"os", "socket", "subprocess", "ctypes", "multiprocessing",
	"urllib", "http", "ftplib", "smtplib", "telnetlib", "xmlrpc",
	"webbrowser", "pty", "fcntl", "signal", "shutil", "tempfile",
}

var importPattern = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)

var callAIPattern = regexp.MustCompile(`\bcall_ai\s*\(`)

// ValidateName checks a plugin name: lowercase alphanumerics, underscores
// and hyphens, not starting with a separator, at most 64 characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("plugin name exceeds %d characters", maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("plugin name %q must match [a-z0-9][a-z0-9_-]*", name)
	}
	return nil
}

// ValidateSource checks plugin source at registration time: size, valid
// UTF-8, an SDK reference (a plugin that never touches forge_sdk can
// never produce output), and no obviously banned imports.
func ValidateSource(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("plugin source is empty")
	}
	if len(source) > MaxSourceBytes {
		return fmt.Errorf("plugin source exceeds %d bytes", MaxSourceBytes)
	}
	if !utf8.ValidString(source) {
		return fmt.Errorf("plugin source is not valid UTF-8")
	}
	if !strings.Contains(source, "forge_sdk") {
		return fmt.Errorf("plugin source never references forge_sdk")
	}

	for _, match := range importPattern.FindAllStringSubmatch(source, -1) {
		root := strings.SplitN(match[1], ".", 2)[0]
		for _, banned := range bannedImports {
			if root == banned {
				return fmt.Errorf("plugin imports banned module %q", root)
			}
		}
	}
	return nil
}

// EstimateCalls counts call_ai call sites in the source. A loose static
// signal shown in the catalog; the per-run budget is enforced live.
func EstimateCalls(source string) int {
	return len(callAIPattern.FindAllString(source, -1))
}
