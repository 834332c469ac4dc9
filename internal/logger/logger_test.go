// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToBuffer(buf *bytes.Buffer, severity string) {
	level := new(slog.LevelVar)
	_ = setLoggingLevel(severity, level)
	defaultLoggerFactory = &loggerFactory{writer: buf, format: "text", level: level}
	defaultLogger = slog.New(defaultLoggerFactory.createHandler())
}

func (t *LoggerTest) TestSeverityFiltering() {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, LevelWarningName)

	Debugf("should not appear")
	assert.Empty(t.T(), buf.String())

	Warnf("should appear")
	assert.Regexp(t.T(), regexp.MustCompile("severity=WARNING"), buf.String())
}

func (t *LoggerTest) TestOffSuppressesEverything() {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, LevelOffName)

	Errorf("still nothing")
	assert.Empty(t.T(), buf.String())
}

func (t *LoggerTest) TestTraceIsBelowDebug() {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, LevelDebugName)

	Tracef("below threshold")
	assert.Empty(t.T(), buf.String())

	Debugf("at threshold")
	assert.Regexp(t.T(), regexp.MustCompile("severity=DEBUG"), buf.String())
}

func (t *LoggerTest) TestJSONFormat() {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, LevelInfoName)
	defaultLoggerFactory.format = "json"
	defaultLogger = slog.New(defaultLoggerFactory.createHandler())

	Infof("hello %s", "world")
	assert.Regexp(t.T(), regexp.MustCompile(`"severity":"INFO".*"msg":"hello world"`), buf.String())
}

func (t *LoggerTest) TestUnknownSeverityRejected() {
	assert.Error(t.T(), setLoggingLevel("NONSENSE", new(slog.LevelVar)))
}
