package logger

import (
	"io"
	"log/slog"
	"os"
)

// ciProviders maps the environment variable that identifies a CI provider to
// the provider name. The generic CI variable is checked last.
var ciProviders = []struct {
	env  string
	name string
}{
	{"GITHUB_ACTIONS", "github_actions"},
	{"GITLAB_CI", "gitlab"},
	{"CIRCLECI", "circleci"},
	{"JENKINS_URL", "jenkins"},
	{"TRAVIS", "travis"},
	{"CI", "generic"},
}

// ciDetails maps provider variables onto the attribute they populate.
var ciDetails = []struct {
	env string
	key string
}{
	{"GITHUB_RUN_ID", "run_id"},
	{"GITHUB_SHA", "commit_sha"},
	{"GITHUB_REF_NAME", "branch"},
	{"CI_PIPELINE_ID", "run_id"},
	{"CI_COMMIT_SHA", "commit_sha"},
	{"CI_COMMIT_REF_NAME", "branch"},
}

func ciProvider() string {
	for _, p := range ciProviders {
		if os.Getenv(p.env) != "" {
			return p.name
		}
	}
	return ""
}

func isInCIEnvironment() bool {
	return ciProvider() != ""
}

// ciAttrs describes the pipeline a batch runs in, so that scheduled batches
// started from CI can be traced back to the job that ran them.
func ciAttrs() []any {
	attrs := []any{slog.String("provider", ciProvider())}
	seen := map[string]bool{}
	for _, d := range ciDetails {
		if v := os.Getenv(d.env); v != "" && !seen[d.key] {
			seen[d.key] = true
			attrs = append(attrs, slog.String(d.key, v))
		}
	}
	return attrs
}

// NewCIHandler returns a JSON handler that records source locations and
// carries a top-level "ci" group on every record.
func NewCIHandler(out io.Writer, opts *slog.HandlerOptions) slog.Handler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	o.AddSource = true

	return slog.NewJSONHandler(out, &o).WithAttrs([]slog.Attr{slog.Group("ci", ciAttrs()...)})
}
