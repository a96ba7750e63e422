// Package minilog extends Go's logging functionality to allow for multiple
// loggers, each one with their own logging level. Call AddLogger to set up
// each desired logger, then use the package-level logging functions to send
// messages to every defined logger whose level admits them.
//
// Adapted from the teacher's src/minilog, with the flag-based bootstrap
// dropped: replicantd sets its log level through a cobra flag
// (--log-level), not the standard flag package, so there is no
// package-level Init tied to flag.String here.
package minilog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	golog "log"
	"os"
	"strings"
	"sync"
)

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

// AddLogger registers a named logger that writes to output, filtering out
// anything below level. color enables ANSI-colored level prefixes.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{golog.New(output, "", golog.LstdFlags), level, color, nil}
}

// AddRingLogger registers a named logger that retains only its last
// size lines in memory rather than writing them anywhere, and returns
// the Ring backing it so a caller can Dump() recent log lines on
// demand (e.g. for an admin "logs" command) without tailing a file.
func AddRingLogger(name string, size int, level Level) *Ring {
	logLock.Lock()
	defer logLock.Unlock()

	r := NewRing(size)
	loggers[name] = &minilogger{r, level, false, nil}
	return r
}

// DelLogger removes a named logger previously added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()
	delete(loggers, name)
}

// Loggers returns the name of every currently registered logger.
func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog reports whether logging at level would reach at least one
// registered logger. Useful when the message itself is expensive to build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

// SetLevel changes the level of a named logger.
func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].Level = level
	return nil
}

// GetLevel returns the level of a named logger.
func GetLevel(name string) (Level, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if loggers[name] == nil {
		return 0, errors.New("logger does not exist")
	}
	return loggers[name].Level, nil
}

// LogAll reads lines from i until EOF and logs each one under name at
// level. It starts a goroutine and returns immediately; useful for piping
// an object child's stray stderr output into the daemon's own log.
func LogAll(i io.Reader, level Level, name string) {
	go func() {
		r := bufio.NewReader(i)
		for {
			d, err := r.ReadString('\n')
			if trimmed := strings.TrimSpace(d); trimmed != "" {
				log(level, name, trimmed)
			}
			if err != nil {
				return
			}
		}
	}()
}

func Filters(name string) ([]string, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	l, ok := loggers[name]
	if !ok {
		return nil, fmt.Errorf("no such logger %v", name)
	}
	ret := make([]string, len(l.filters))
	copy(ret, l.filters)
	return ret, nil
}

func AddFilter(name string, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for _, f := range l.filters {
		if f == filter {
			return nil
		}
	}
	l.filters = append(l.filters, filter)
	return nil
}

func DelFilter(name string, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for i, f := range l.filters {
		if f == filter {
			l.filters = append(l.filters[:i], l.filters[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("filter %v does not exist", filter)
}

func log(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.log(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { log(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { log(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { log(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { log(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	log(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}
