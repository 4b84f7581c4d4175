package version

import "fmt"

var (
	// Version Build Time Injected information
	Version    string
	CommitHash string
	BuildTime  string
	OS         string
	Arch       string
)

// GetVersion returns the version information in a human consumable way. This is intended to be used
// when the user requests the version information or in the case of the User-Agent.
func GetVersion() string {
	return makeVersionString(Version, CommitHash, OS, Arch)
}

func makeVersionString(version, commitHash, os, arch string) (versionString string) {
	if version == "" {
		return "development"
	}
	versionString = version
	if commitHash != "" {
		versionString = fmt.Sprintf("%s(%s)", versionString, commitHash)
	}

	if os != "" && arch != "" {
		versionString = fmt.Sprintf("%s/%s-%s", versionString, os, arch)
	} else if os != "" {
		versionString = fmt.Sprintf("%s/%s", versionString, os)
	}

	return versionString
}
