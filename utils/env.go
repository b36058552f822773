package utils

import (
	"os"
)

func GetEnv(env string) string {
	switch env {
	case "USER_AGENT":
		userAgent, userAgentExists := os.LookupEnv("USER_AGENT")
		if !userAgentExists {
			userAgent = "VLC/3.0.20 LibVLC/3.0.20"
		}
		return userAgent
	default:
		return os.Getenv(env)
	}
}
