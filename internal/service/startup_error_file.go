package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StartupErrorFile is the file name written by WriteStartupErrorFile.
const StartupErrorFile = "startup-error.log"

// WriteStartupErrorFile records a startup failure in logDir for operators who
// cannot see stderr. Only the latest failure is kept; the file is replaced
// through a rename so a reader never sees a partial write.
func WriteStartupErrorFile(logDir string, err error) {
	if mkErr := os.MkdirAll(logDir, 0755); mkErr != nil {
		return
	}

	tmp, tmpErr := os.CreateTemp(logDir, StartupErrorFile+".*")
	if tmpErr != nil {
		return
	}
	defer os.Remove(tmp.Name())

	fmt.Fprintf(tmp, "[%s] %s STARTUP ERROR (pid %d)\n%v\n",
		time.Now().Format("2006-01-02 15:04:05"), Name, os.Getpid(), err)
	if closeErr := tmp.Close(); closeErr != nil {
		return
	}
	_ = os.Rename(tmp.Name(), filepath.Join(logDir, StartupErrorFile))
}
