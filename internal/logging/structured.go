package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Entry is one structured log record.
type Entry struct {
	Timestamp string         `json:"ts"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// StructuredLogger decorates a standard logger with levels, a component
// tag and key/value fields. With JSONMode on, records are emitted as
// one JSON object per line for log shippers.
type StructuredLogger struct {
	logger    *log.Logger
	component string
	jsonMode  bool
}

// NewStructuredLogger wraps logger for the given component.
func NewStructuredLogger(logger *log.Logger, component string, jsonMode bool) *StructuredLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &StructuredLogger{
		logger:    logger,
		component: component,
		jsonMode:  jsonMode,
	}
}

// WithComponent returns a logger tagged with a different component.
func (s *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		logger:    s.logger,
		component: component,
		jsonMode:  s.jsonMode,
	}
}

func (s *StructuredLogger) log(level string, msg string, fields map[string]any) {
	entry := Entry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Component: s.component,
		Message:   msg,
		Fields:    fields,
	}

	if s.jsonMode {
		data, _ := json.Marshal(entry)
		s.logger.Println(string(data))
		return
	}

	prefix := ""
	if s.component != "" {
		prefix = fmt.Sprintf("[%s] ", s.component)
	}
	output := prefix + msg
	if len(fields) > 0 {
		output += " |"
		for k, v := range fields {
			output += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	s.logger.Println(output)
}

// Info logs an info message.
func (s *StructuredLogger) Info(msg string, fields ...map[string]any) {
	s.log("INFO", msg, mergeFields(fields...))
}

// Error logs an error message.
func (s *StructuredLogger) Error(msg string, fields ...map[string]any) {
	s.log("ERROR", msg, mergeFields(fields...))
}

// Warn logs a warning message.
func (s *StructuredLogger) Warn(msg string, fields ...map[string]any) {
	s.log("WARN", msg, mergeFields(fields...))
}

// Debug logs only when FITCHAT_DEBUG=1.
func (s *StructuredLogger) Debug(msg string, fields ...map[string]any) {
	if !DebugMode {
		return
	}
	s.log("DEBUG", msg, mergeFields(fields...))
}

func mergeFields(fields ...map[string]any) map[string]any {
	result := make(map[string]any)
	for _, m := range fields {
		for k, v := range m {
			result[k] = v
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
