package checkpointd

import (
	"os"
	"strings"
)

func CheckEnv(key string) bool {
	value, ret := os.LookupEnv(key)
	if ret {
		if value == "true" {
			return true
		}
	}
	return false
}

func splitOptions(opts string) []string {
	if opts == "" {
		return nil
	}
	return strings.Split(opts, ",")
}
