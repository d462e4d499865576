package container

import "strconv"

// Policy defines resource limits and hardening for the guest container.
type Policy struct {
	Memory           string   // docker memory limit (e.g. "512m")
	CPUs             float64  // --cpus, 0 for unlimited
	PIDsLimit        int      // --pids-limit, 0 for unlimited
	DropCapabilities bool     // --cap-drop=ALL
	NoNewPrivileges  bool     // --security-opt=no-new-privileges
	Images           []string // allowed images; empty allows any
}

// DefaultPolicy returns safe defaults for a guest run.
func DefaultPolicy() Policy {
	return Policy{
		Memory:           "512m",
		CPUs:             1,
		PIDsLimit:        256,
		DropCapabilities: true,
		NoNewPrivileges:  true,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	if len(p.Images) == 0 {
		return true
	}
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

// Args returns the docker run flags enforcing p.
func (p Policy) Args() []string {
	var args []string
	if p.DropCapabilities {
		args = append(args, "--cap-drop=ALL")
	}
	if p.NoNewPrivileges {
		args = append(args, "--security-opt=no-new-privileges")
	}
	if p.Memory != "" {
		args = append(args, "--memory="+p.Memory, "--memory-swap="+p.Memory)
	}
	if p.CPUs > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(p.CPUs, 'f', 2, 64))
	}
	if p.PIDsLimit > 0 {
		args = append(args, "--pids-limit="+strconv.Itoa(p.PIDsLimit))
	}
	return args
}
