package processors

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
)

// FrameLogger is a pass-through processor that logs the frames crossing it.
type FrameLogger struct {
	*BaseProcessor
	logger            *logger.Logger
	ignoredFrameTypes map[reflect.Type]bool
	logFrameDetails   bool
}

// FrameLoggerConfig configures the frame logger
type FrameLoggerConfig struct {
	// Prefix for log messages
	Prefix string

	// IgnoredFrameTypes are frame types to pass without logging
	IgnoredFrameTypes []frames.Frame

	// LogFrameDetails includes exported scalar fields in logs
	LogFrameDetails bool

	// Logger instance to use (if nil, uses default logger)
	Logger *logger.Logger
}

// DefaultIgnoredFrames are the high-rate frames of a call.
func DefaultIgnoredFrames() []frames.Frame {
	return []frames.Frame{
		&frames.AudioFrame{},
		&frames.OutputAudioFrame{},
		&frames.LevelFrame{},
	}
}

// NewFrameLogger creates a new frame logger processor
func NewFrameLogger(config FrameLoggerConfig) *FrameLogger {
	if config.Prefix == "" {
		config.Prefix = "Frames"
	}

	log := config.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	fl := &FrameLogger{
		logger:            log.WithPrefix(config.Prefix),
		ignoredFrameTypes: make(map[reflect.Type]bool),
		logFrameDetails:   config.LogFrameDetails,
	}

	for _, frameType := range config.IgnoredFrameTypes {
		fl.ignoredFrameTypes[reflect.TypeOf(frameType)] = true
	}

	fl.BaseProcessor = NewBaseProcessor("FrameLogger:"+config.Prefix, fl)
	return fl
}

// HandleFrame logs the frame and passes it on.
func (fl *FrameLogger) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if frame == nil || reflect.ValueOf(frame).IsNil() {
		fl.logger.Warn("Received nil frame, skipping")
		return nil
	}

	if !fl.ignoredFrameTypes[reflect.TypeOf(frame)] && fl.logger.IsLevelEnabled(logger.DEBUG) {
		fl.logger.Debug("%s", fl.format(frame, direction))
	}

	return fl.PushFrame(frame, direction)
}

func (fl *FrameLogger) format(frame frames.Frame, direction frames.FrameDirection) string {
	arrow := "→"
	if direction == frames.Upstream {
		arrow = "←"
	}
	line := fmt.Sprintf("%s %s (%s)", arrow, frame.Name(), frames.CategoryOf(frame))
	if !fl.logFrameDetails {
		return line
	}
	if details := frameDetails(frame); details != "" {
		line += " | " + details
	}
	return line
}

func frameDetails(frame frames.Frame) string {
	v := reflect.ValueOf(frame)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}

	t := v.Type()
	var details []string
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanInterface() || sf.Anonymous || sf.Name == "Data" {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			str := field.String()
			if len(str) > 50 {
				str = str[:50] + "..."
			}
			details = append(details, fmt.Sprintf("%s: %q", sf.Name, str))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			details = append(details, fmt.Sprintf("%s: %d", sf.Name, field.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			details = append(details, fmt.Sprintf("%s: %d", sf.Name, field.Uint()))
		case reflect.Float32, reflect.Float64:
			details = append(details, fmt.Sprintf("%s: %.2f", sf.Name, field.Float()))
		case reflect.Bool:
			details = append(details, fmt.Sprintf("%s: %t", sf.Name, field.Bool()))
		case reflect.Slice:
			details = append(details, fmt.Sprintf("%s: [%d items]", sf.Name, field.Len()))
		case reflect.Interface:
			if !field.IsNil() {
				details = append(details, fmt.Sprintf("%s: %v", sf.Name, field.Interface()))
			}
		}
	}
	return strings.Join(details, ", ")
}
