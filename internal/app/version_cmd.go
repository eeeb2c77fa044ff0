package app

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/nuetzliches/lqs/internal/config"
)

// backends lists the storage backends compiled into this binary.
var backends = []string{
	config.BackendMemory,
	config.BackendFile,
	config.BackendSQLite,
	config.BackendPostgres,
}

type buildInfo struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	BuildDate string   `json:"build_date"`
	GoVersion string   `json:"go_version"`
	Backends  []string `json:"backends"`
}

func currentBuildInfo() buildInfo {
	return buildInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
		GoVersion: runtime.Version(),
		Backends:  backends,
	}
}

func (b buildInfo) long() string {
	return fmt.Sprintf("lqs %s (commit=%s, build_date=%s, go=%s, backends=%s)",
		b.Version, b.Commit, b.BuildDate, b.GoVersion, strings.Join(b.Backends, ","))
}

func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("version", io.Discard)
	longOutput := fs.Bool("long", false, "print commit, build date, go version and backends")
	jsonOutput := fs.Bool("json", false, "print build info as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "version: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "version: unexpected positional arguments")
		return 2
	}

	info := currentBuildInfo()
	switch {
	case *jsonOutput:
		if err := writeJSON(stdout, info); err != nil {
			fmt.Fprintf(stderr, "version: %v\n", err)
			return 1
		}
	case *longOutput:
		fmt.Fprintln(stdout, info.long())
	default:
		fmt.Fprintln(stdout, info.Version)
	}
	return 0
}
