/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging threads a *zap.SugaredLogger through a context.Context,
// the same two-function shape the teacher gets from knative.dev/pkg/logging.
package logging

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

var fallback = zap.NewNop().Sugar()

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger if none was set.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return fallback
}

// NewDevelopment builds a development-mode logger, convenient for cmd/ entrypoints and tests.
func NewDevelopment() *zap.SugaredLogger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fallback
	}
	return logger.Sugar()
}
