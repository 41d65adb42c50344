package provisioner

import "regexp"

// recapLine matches a PLAY RECAP host line, e.g.
//
//	m1 : ok=3 changed=1 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0
var recapLine = regexp.MustCompile(`(?m)^\s*([^\s:]+)\s*:\s*ok=(\d+)\s+changed=\d+\s+unreachable=(\d+)\s+failed=(\d+)`)

// ParseRecap extracts per-host outcomes from ansible-playbook output.
func ParseRecap(output string) map[string]HostStatus {
	out := map[string]HostStatus{}
	for _, m := range recapLine.FindAllStringSubmatch(output, -1) {
		switch {
		case m[3] != "0":
			out[m[1]] = HostUnreachable
		case m[4] != "0":
			out[m[1]] = HostFailed
		default:
			out[m[1]] = HostOK
		}
	}
	return out
}
