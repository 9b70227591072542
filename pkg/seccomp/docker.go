package seccomp

import (
	"encoding/json"
)

// DockerProfileJSON renders the default profile in the JSON form the
// docker CLI accepts for --security-opt seccomp=<path>. The OCI
// runtime-spec field names (defaultAction, architectures, syscalls)
// match Docker's profile schema, so the spec types marshal directly.
func DockerProfileJSON() ([]byte, error) {
	return json.MarshalIndent(DefaultProfile(), "", "  ")
}

// DockerNetworkProfileJSON is DockerProfileJSON with network syscalls
// allowed.
func DockerNetworkProfileJSON() ([]byte, error) {
	return json.MarshalIndent(NetworkAllowProfile(), "", "  ")
}
