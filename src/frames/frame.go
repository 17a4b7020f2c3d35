package frames

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var frameCounter atomic.Uint64

// FrameDirection indicates the direction a frame is traveling
type FrameDirection int

const (
	Downstream FrameDirection = iota // transport input -> call session -> transport output
	Upstream                         // back towards the transport input
)

func (d FrameDirection) String() string {
	switch d {
	case Downstream:
		return "downstream"
	case Upstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Frame is the base interface for all frames in the pipeline
type Frame interface {
	ID() uint64
	Name() string
	PTS() time.Time
	Metadata() map[string]interface{}
	SetMetadata(key string, value interface{})
	String() string
}

// BaseFrame provides common frame functionality
type BaseFrame struct {
	id   uint64
	name string
	pts  time.Time

	mu       sync.Mutex
	metadata map[string]interface{}
}

func NewBaseFrame(name string) *BaseFrame {
	return &BaseFrame{
		id:   frameCounter.Add(1),
		name: name,
		pts:  time.Now(),
	}
}

func (f *BaseFrame) ID() uint64 {
	return f.id
}

func (f *BaseFrame) Name() string {
	return f.name
}

func (f *BaseFrame) PTS() time.Time {
	return f.pts
}

// Metadata returns a copy of the frame metadata.
func (f *BaseFrame) Metadata() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]interface{}, len(f.metadata))
	for k, v := range f.metadata {
		out[k] = v
	}
	return out
}

func (f *BaseFrame) SetMetadata(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadata == nil {
		f.metadata = make(map[string]interface{})
	}
	f.metadata[key] = value
}

func (f *BaseFrame) String() string {
	return fmt.Sprintf("%s[id=%d, pts=%v]", f.name, f.id, f.pts.Format("15:04:05.000"))
}

// FrameCategory decides how a processor schedules a frame.
type FrameCategory int

const (
	SystemCategory  FrameCategory = iota // handled before any queued data/control frame
	DataCategory                         // strictly ordered with control frames
	ControlCategory                      // strictly ordered with data frames
)

func (c FrameCategory) String() string {
	switch c {
	case SystemCategory:
		return "system"
	case DataCategory:
		return "data"
	case ControlCategory:
		return "control"
	default:
		return "unknown"
	}
}

// Categorizable frames can report their category
type Categorizable interface {
	Category() FrameCategory
}

// CategoryOf returns the category of f, defaulting to DataCategory.
func CategoryOf(f Frame) FrameCategory {
	if c, ok := f.(Categorizable); ok {
		return c.Category()
	}
	return DataCategory
}
