package debug

import (
	"runtime/debug"
	"strings"
)

/*
ReadBuildInfo returns the version control settings and the main module
version of the running binary, ie

	version=v0.1.0 go=go1.22.5 vcs.revision=... vcs.time=... vcs.modified=false

Empty string is returned when the binary was built without module support.
*/
func ReadBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return formatBuildInfo(info)
}

func formatBuildInfo(info *debug.BuildInfo) string {
	var fields []string
	if v := info.Main.Version; v != "" {
		fields = append(fields, "version="+v)
	}
	if info.GoVersion != "" {
		fields = append(fields, "go="+info.GoVersion)
	}
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			fields = append(fields, s.Key+"="+s.Value)
		}
	}
	return strings.Join(fields, " ")
}
