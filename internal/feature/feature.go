package feature

import "os"

// Feature defines an application feature toggled by a specific environment variable.
type Feature struct {
	// EnvVariable defines the name of the corresponding environment variable.
	EnvVariable    string
	defaultEnabled bool
}

// Enabled reads the environment variable responsible for the feature flag. A feature disabled by default is only
// enabled when the variable is `true`. A feature enabled by default is only disabled when the variable is `false`.
func (f Feature) Enabled() bool {
	env := os.Getenv(f.EnvVariable)

	if f.defaultEnabled {
		return env != "false"
	}

	return env == "true"
}

// BatchProjectLink links all projects sharing an organisation tag with a single UPDATE during the organisation
// backfill, instead of looking them up and updating them one by one. Both paths produce the same final state.
var BatchProjectLink = Feature{
	EnvVariable: "TMDB_FF_BATCH_PROJECT_LINK",
}

// testFeature is used for testing purposes only
var testFeature = Feature{
	EnvVariable: "TMDB_FF_TEST",
}

var all = []Feature{
	testFeature,
	BatchProjectLink,
}

// KnownEnvVar evaluates whether the input string matches the name of one of the known feature flag env vars.
func KnownEnvVar(name string) bool {
	for _, f := range all {
		if f.EnvVariable == name {
			return true
		}
	}

	return false
}
