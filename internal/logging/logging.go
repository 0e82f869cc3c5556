package logging

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// DebugMode indicates if development logging is enabled
	DebugMode = os.Getenv("FITCHAT_DEBUG") == "1"
	// JSONMode switches structured loggers to one-JSON-object-per-line
	JSONMode = os.Getenv("FITCHAT_LOG_JSON") == "1"
	// Logger is the shared logger instance
	Logger *log.Logger
)

func init() {
	Logger = log.Default()
}

// NewFileLogger returns a logger backed by a size-rotated log file.
func NewFileLogger(path string) *log.Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return log.New(rotator, "fitchat ", log.LstdFlags|log.Lmicroseconds)
}

// DebugLog logs only when FITCHAT_DEBUG=1
func DebugLog(format string, args ...interface{}) {
	if DebugMode {
		Logger.Printf("[DEBUG] "+format, args...)
	}
}

// UserLog logs important user-facing information (always visible)
func UserLog(format string, args ...interface{}) {
	Logger.Printf("[USER] "+format, args...)
}

// ErrorLog logs errors (always visible)
func ErrorLog(format string, args ...interface{}) {
	Logger.Printf("[ERROR] "+format, args...)
}
