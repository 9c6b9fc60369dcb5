package tsdb

import (
	"context"

	"github.com/fieldpoll/fieldpoll/model"
)

// NullWriter discards everything and reports healthy. Selected when no
// time-series backend is configured.
type NullWriter struct{}

func NewNullWriter() *NullWriter { return &NullWriter{} }

func (NullWriter) Write(model.Observation)      {}
func (NullWriter) Flush(context.Context) error  { return nil }
func (NullWriter) Healthy(context.Context) bool { return true }
func (NullWriter) Close(context.Context) error  { return nil }
