package main

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

var errPanic = errors.New("panic")

// runSafely keeps f running. It restarts f a second after a panic or an
// error and stops once f returns nil.
func runSafely(log *zap.SugaredLogger, name string, f func() error) {
	for {
		err := func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					log.Errorw("Panic, restarting", "task", name, "panic", v)
					err = errPanic
				}
			}()

			return f()
		}()

		if err == nil {
			return
		}
		if err != errPanic {
			log.Errorw("Task failed, restarting", "task", name, "error", err)
		}

		time.Sleep(time.Second)
	}
}
