package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// SinkKind is one of the two destinations a level can be routed to.
type SinkKind string

const (
	SinkTerminal SinkKind = "terminal"
	SinkFile     SinkKind = "file"
)

// OutputMap is the JSON shape of the log-output config file: a map from
// level name to the list of sink kinds that level writes to.
type OutputMap map[Level][]SinkKind

// DefaultOutputMap sends every level to the terminal, and WARNING and
// above to file as well.
func DefaultOutputMap() OutputMap {
	return OutputMap{
		LevelDebug:    {SinkTerminal},
		LevelInfo:     {SinkTerminal},
		LevelWarning:  {SinkTerminal, SinkFile},
		LevelError:    {SinkTerminal, SinkFile},
		LevelCritical: {SinkTerminal, SinkFile},
	}
}

// SinkSet owns the terminal writer and the rotating per-component and
// shared file writers, and routes each entry per OutputMap.
type SinkSet struct {
	mu      sync.Mutex
	outputs OutputMap
	dir     string
	appName string
	shared  *rotatingFile
	perComp map[string]*rotatingFile
}

// NewSinkSet creates a sink set. dir is the log directory (created if
// missing); appName is the prefix used for "{app}-{component}.log" files.
func NewSinkSet(outputs OutputMap, dir, appName string) (*SinkSet, error) {
	if outputs == nil {
		outputs = DefaultOutputMap()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir %s: %w", dir, err)
		}
	}
	return &SinkSet{
		outputs: outputs,
		dir:     dir,
		appName: appName,
		perComp: make(map[string]*rotatingFile),
	}, nil
}

// Write routes entry to every sink its level is configured for.
func (s *SinkSet) Write(e Entry) {
	kinds := s.outputs[e.Level]
	line := fmt.Sprintf("%s [%s] %s: %s\n", e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Level, e.Component, e.Message)

	for _, kind := range kinds {
		switch kind {
		case SinkTerminal:
			fmt.Fprint(os.Stdout, line)
		case SinkFile:
			s.writeFile(e.Component, line)
		}
	}
}

func (s *SinkSet) writeFile(component, line string) {
	if s.dir == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shared == nil {
		s.shared = newRotatingFile(filepath.Join(s.dir, s.appName+".log"))
	}
	s.shared.Write(line)

	rf, ok := s.perComp[component]
	if !ok {
		rf = newRotatingFile(filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", s.appName, component)))
		s.perComp[component] = rf
	}
	rf.Write(line)
}

// Close flushes and closes every open file sink.
func (s *SinkSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared != nil {
		s.shared.Close()
	}
	for _, rf := range s.perComp {
		rf.Close()
	}
}

// rotationThreshold is the size at which a log file is gzip-compressed and
// a fresh one started, keeping a long-lived daemon's log directory bounded.
const rotationThreshold = 10 * 1024 * 1024

// rotatingFile is an append-only log file that gzip-rotates itself once it
// crosses rotationThreshold.
type rotatingFile struct {
	path string
	f    *os.File
	size int64
}

func newRotatingFile(path string) *rotatingFile {
	rf := &rotatingFile{path: path}
	rf.open()
	return rf
}

func (rf *rotatingFile) open() {
	f, err := os.OpenFile(rf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	if info, err := f.Stat(); err == nil {
		rf.size = info.Size()
	}
	rf.f = f
}

func (rf *rotatingFile) Write(line string) {
	if rf.f == nil {
		rf.open()
		if rf.f == nil {
			return
		}
	}
	n, err := rf.f.WriteString(line)
	if err != nil {
		return
	}
	rf.size += int64(n)
	if rf.size >= rotationThreshold {
		rf.rotate()
	}
}

func (rf *rotatingFile) rotate() {
	rf.f.Close()

	rotated := rf.path + ".1.gz"
	src, err := os.Open(rf.path)
	if err == nil {
		dst, err := os.Create(rotated)
		if err == nil {
			gw := gzip.NewWriter(dst)
			buf := make([]byte, 64*1024)
			for {
				n, readErr := src.Read(buf)
				if n > 0 {
					gw.Write(buf[:n])
				}
				if readErr != nil {
					break
				}
			}
			gw.Close()
			dst.Close()
		}
		src.Close()
	}

	os.Remove(rf.path)
	rf.size = 0
	rf.open()
}

func (rf *rotatingFile) Close() {
	if rf.f != nil {
		rf.f.Close()
	}
}
