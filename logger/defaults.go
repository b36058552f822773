package logger

import (
	"fmt"
	"log"
	"os"
	"regexp"
)

type DefaultLogger struct {
	Logger
}

var Default = &DefaultLogger{}

// Playback and command URLs embed engine session tokens; SAFE_LOGS strips
// whole URLs so tokens never reach the log output.
var urlRe = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[a-zA-Z0-9+%/.\-:_?&=#@+]+`)

func redact(text string) string {
	if os.Getenv("SAFE_LOGS") != "true" {
		return text
	}
	return urlRe.ReplaceAllString(text, "[redacted url]")
}

func (*DefaultLogger) Log(msg string) {
	log.Println(redact("[INFO] " + msg))
}

func (*DefaultLogger) Logf(format string, v ...any) {
	log.Println(redact("[INFO] " + fmt.Sprintf(format, v...)))
}

func (*DefaultLogger) Debug(msg string) {
	if os.Getenv("DEBUG") == "true" {
		log.Println(redact("[DEBUG] " + msg))
	}
}

func (*DefaultLogger) Debugf(format string, v ...any) {
	if os.Getenv("DEBUG") == "true" {
		log.Println(redact("[DEBUG] " + fmt.Sprintf(format, v...)))
	}
}

func (*DefaultLogger) Warn(msg string) {
	log.Println(redact("[WARN] " + msg))
}

func (*DefaultLogger) Warnf(format string, v ...any) {
	log.Println(redact("[WARN] " + fmt.Sprintf(format, v...)))
}

func (*DefaultLogger) Error(msg string) {
	log.Println(redact("[ERROR] " + msg))
}

func (*DefaultLogger) Errorf(format string, v ...any) {
	log.Println(redact("[ERROR] " + fmt.Sprintf(format, v...)))
}

func (*DefaultLogger) Fatal(msg string) {
	log.Fatal(redact("[FATAL] " + msg))
}

func (*DefaultLogger) Fatalf(format string, v ...any) {
	log.Fatal(redact("[FATAL] " + fmt.Sprintf(format, v...)))
}
