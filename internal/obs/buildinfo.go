package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerBuildInfo sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinicdash_build_info",
			Help: "Version, commit and Go toolchain of the running clinicdash binary. Always 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes the binary identity. A "dev" or empty commit falls
// back to the VCS revision stamped into the binary.
func InitBuildInfo(version, commit string) {
	registerBuildInfo.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, revision(commit), runtime.Version()).Set(1)
}

func revision(commit string) string {
	if commit != "" && commit != "dev" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	if commit == "" {
		return "unknown"
	}
	return commit
}
