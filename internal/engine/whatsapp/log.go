package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
	"pkt.systems/pslog"
)

type logger struct {
	root   pslog.Logger
	base   pslog.Logger
	module string
}

func newLogger(root pslog.Logger, module string) waLog.Logger {
	return logger{root: root, base: root.With("module", module), module: module}
}

func (l logger) Debugf(msg string, args ...any) { l.base.Debug(fmt.Sprintf(msg, args...)) }
func (l logger) Infof(msg string, args ...any)  { l.base.Info(fmt.Sprintf(msg, args...)) }
func (l logger) Warnf(msg string, args ...any)  { l.base.Warn(fmt.Sprintf(msg, args...)) }
func (l logger) Errorf(msg string, args ...any) { l.base.Error(fmt.Sprintf(msg, args...)) }

func (l logger) Sub(module string) waLog.Logger {
	return newLogger(l.root, l.module+"/"+module)
}
