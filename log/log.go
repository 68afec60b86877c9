package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	DEBUG = iota
	INFO
	IMPORTANT
	WARNING
	ERROR
	FATAL
	SUCCESS
)

var (
	mtx_log *sync.Mutex = &sync.Mutex{}

	stdout         = color.Output
	g_rl_mtx       sync.Mutex
	min_level      = DEBUG
	debug_output   = false
	refresh_prompt func()

	LABELS_COLOR = map[int]*color.Color{
		DEBUG:     color.New(color.FgHiBlack),
		INFO:      color.New(color.FgHiBlue),
		IMPORTANT: color.New(color.FgHiMagenta),
		WARNING:   color.New(color.FgYellow),
		ERROR:     color.New(color.FgRed),
		FATAL:     color.New(color.BgRed, color.FgWhite),
		SUCCESS:   color.New(color.FgHiGreen),
	}

	LABELS = map[int]string{
		DEBUG:     "dbg",
		INFO:      "inf",
		IMPORTANT: "imp",
		WARNING:   "war",
		ERROR:     "err",
		FATAL:     "!!!",
		SUCCESS:   "+++",
	}
)

func DebugEnable(enable bool) {
	debug_output = enable
	if enable {
		min_level = DEBUG
	} else {
		min_level = INFO
	}
}

// SetRefreshHook registers a callback invoked after every log line, used by
// the terminal to redraw its readline prompt.
func SetRefreshHook(f func()) {
	g_rl_mtx.Lock()
	defer g_rl_mtx.Unlock()
	refresh_prompt = f
}

// NullLogger is handed to noisy third-party packages that insist on a
// *log.Logger.
func NullLogger() *stdlog.Logger {
	return stdlog.New(io.Discard, "", 0)
}

func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

func Important(format string, args ...interface{}) {
	logf(IMPORTANT, format, args...)
}

func Warning(format string, args ...interface{}) {
	logf(WARNING, format, args...)
}

func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

func Success(format string, args ...interface{}) {
	logf(SUCCESS, format, args...)
}

func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	os.Exit(1)
}

func logf(level int, format string, args ...interface{}) {
	if level < min_level {
		return
	}
	if level == DEBUG && !debug_output {
		return
	}
	mtx_log.Lock()
	defer mtx_log.Unlock()

	t := time.Now().Format("15:04:05")
	label := LABELS_COLOR[level].Sprintf("[%s]", LABELS[level])
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(stdout, "\r[%s] %s %s\n", color.New(color.FgHiBlack).Sprint(t), label, msg)

	g_rl_mtx.Lock()
	f := refresh_prompt
	g_rl_mtx.Unlock()
	if f != nil {
		f()
	}
}
