package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocs_auth_build_info",
			Help: "Portal identity service build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo publishes ocs_auth_build_info with value 1. An empty or "dev"
// commit is filled from the VCS stamp of the binary when present.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, resolveCommit(commit), runtime.Version()).Set(1)
}

func resolveCommit(commit string) string {
	if commit != "" && commit != "dev" {
		return commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	if commit == "" {
		return "unknown"
	}
	return commit
}
