// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package log

import (
	"fmt"

	"github.com/cihub/seelog"
)

const seelogConfigTemplate = `
<seelog minlevel="%[1]s">
  <outputs formatid="common">%[2]s</outputs>
  <formats>
    <format id="common" format="%%Date(2006-01-02 15:04:05 MST) | AGENT | %%LEVEL | (%%ShortFilePath:%%Line in %%FuncShort) | %%Msg%%n"/>
  </formats>
</seelog>`

// BuildLogger constructs a seelog backend writing to the console and, when
// logFile is not empty, to a rolling file next to it.
func BuildLogger(level string, logFile string) (seelog.LoggerInterface, error) {
	if _, ok := seelog.LogLevelFromString(level); !ok {
		return nil, fmt.Errorf("unknown log level: %q", level)
	}
	outputs := `<console/>`
	if logFile != "" {
		outputs += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="10000000" maxrolls="1"/>`, logFile)
	}
	return seelog.LoggerFromConfigAsString(fmt.Sprintf(seelogConfigTemplate, level, outputs))
}

// SetupDefaultLogger builds a console backend at the given level and installs
// it as the process logger.
func SetupDefaultLogger(level string) error {
	l, err := BuildLogger(level, "")
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}
