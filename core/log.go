package core

import "github.com/hupe1980/agentrelay/logging"

// sessionLog backs the Log* helpers of SessionContext.
type sessionLog struct {
	logger logging.Logger
}

func newSessionLog(l logging.Logger) *sessionLog {
	if l == nil {
		l = logging.NoOpLogger{}
	}
	return &sessionLog{logger: l}
}

// Logger returns the session logger. It is never nil.
func (s *sessionLog) Logger() logging.Logger { return s.logger }

func (s *sessionLog) LogDebug(msg string, args ...any) { s.logger.Debug(msg, args...) }

func (s *sessionLog) LogInfo(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s *sessionLog) LogWarn(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s *sessionLog) LogError(msg string, args ...any) { s.logger.Error(msg, args...) }
