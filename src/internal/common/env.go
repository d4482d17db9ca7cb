package common

import "os"

const trueStr = "true"

// EnvEnabled reports whether the environment variable name is set to "true"
func EnvEnabled(name string) bool {
	return os.Getenv(name) == trueStr
}
