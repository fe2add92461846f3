package logger

import (
	"io"
	"log"
	"os"
)

var (
	InfoLogger  *log.Logger
	ErrorLogger *log.Logger
	DebugLogger *log.Logger
	logFile     *os.File
	debug       bool
)

func init() {
	// Until Init runs (and in tests, which never call it), messages go
	// to stderr.
	InfoLogger = log.New(os.Stderr, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	DebugLogger = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
}

// Init opens (or truncates) the log file and points the loggers at it.
func Init(logFilePath string) error {
	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}

	InfoLogger.SetOutput(logFile)
	ErrorLogger.SetOutput(logFile)
	if debug {
		DebugLogger.SetOutput(logFile)
	}
	return nil
}

// SetDebug enables or disables debug output.
func SetDebug(enabled bool) {
	debug = enabled
	out := io.Discard
	if enabled {
		if logFile != nil {
			out = logFile
		} else {
			out = os.Stderr
		}
	}
	DebugLogger.SetOutput(out)
}

// Cleanup closes the log file when the application is done with it.
func Cleanup() {
	if logFile != nil {
		logFile.Close()
	}
}

func Info(v ...interface{}) {
	InfoLogger.Println(v...)
}

func Error(v ...interface{}) {
	ErrorLogger.Println(v...)
}

func Debug(v ...interface{}) {
	DebugLogger.Println(v...)
}
