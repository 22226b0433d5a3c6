package errors

import (
	"fmt"
	"os"
	"time"

	"github.com/ternmail/tern/logger"
)

// GracefulError records which startup or runtime operation failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects fatal errors and hands a single exit code back to main.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) signalExit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.signalExit(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signalExit(2)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signalExit(2)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}
