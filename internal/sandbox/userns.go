package sandbox

import (
	"os"
	"strings"
)

// DiagnoseUserNamespace inspects the system and returns a suggestion for
// the operator when creating a user+mount namespace failed, adapted from
// distri's own usernsError check (internal/build/userns.go): the same
// two sysctls gate unprivileged user namespace creation regardless of
// which program is trying to use one.
func DiagnoseUserNamespace() string {
	var runningInContainer bool
	if b, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(b), "docker") || strings.Contains(string(b), "containerd") {
			runningInContainer = true
		}
	}

	var fixes []string
	if b, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if val := strings.TrimSpace(string(b)); val != "1" {
			fixes = append(fixes, "sysctl -w kernel.unprivileged_userns_clone=1")
		}
	}
	if b, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil {
		if val := strings.TrimSpace(string(b)); val == "0" {
			fixes = append(fixes, "sysctl -w user.max_user_namespaces=1000")
		}
	}
	if len(fixes) == 0 {
		return ""
	}
	suggestion := strings.Join(fixes, "\n")
	if runningInContainer {
		return "on the container host (not inside the container), try:\n" + suggestion
	}
	return "try:\n" + suggestion
}
